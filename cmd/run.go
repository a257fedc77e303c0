package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/k6bridge/cmd/state"
	"github.com/liuxd6825/k6bridge/compiler/process"
	"github.com/liuxd6825/k6bridge/errext"
	"github.com/liuxd6825/k6bridge/errext/exitcodes"
	"github.com/liuxd6825/k6bridge/event"
	"github.com/liuxd6825/k6bridge/execution"
)

const (
	eventBuffer     = 100
	workerStopLimit = 5 * time.Second
)

type cmdRun struct {
	gs *state.GlobalState
}

func (c *cmdRun) run(cmd *cobra.Command, args []string) (err error) {
	cliConf, err := getConfig(cmd.Flags())
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	conf, err := getConsolidatedConfig(c.gs, cliConf)
	if err != nil {
		return err
	}
	sources, err := c.resolveSources(args)
	if err != nil {
		return err
	}

	logger := c.gs.Logger
	globalCtx, globalCancel := context.WithCancel(c.gs.Ctx)
	defer globalCancel()

	events := event.NewEventSystem(eventBuffer, logger)
	defer events.UnsubscribeAll()

	proc := process.New(process.Options{
		Logger: logger,
		Events: events,
		Env:    workerEnv(c.gs, conf),
	})
	if err := proc.Start(globalCtx, conf.EngineFlags); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), workerStopLimit)
		defer cancel()
		if serr := proc.Stop(ctx); serr != nil {
			logger.WithError(serr).Warn("The worker did not stop cleanly")
		}
	}()

	ep := proc.DebugEndpoint()
	if !ep.IsDefault {
		logger.Infof("Debugger listening on %s", ep.Addr())
	}
	stopDebugReports := c.reportDebugPauses(events)
	defer stopDebugReports()

	stopSignalHandling := handleTestAbortSignals(c.gs, proc.StopTests, globalCancel)
	defer stopSignalHandling()

	runner := &execution.Runner{
		Bridge: proc,
		Executor: &execution.DryRunExecutor{
			Logger: logger,
			Delay:  conf.DryRunDelay.TimeDuration(),
		},
		Logger:      logger,
		Concurrency: int(conf.Concurrency.Int64),
	}
	session := &runSession{
		gs:      c.gs,
		proc:    proc,
		runner:  runner,
		sources: sources,
		noColor: c.gs.Flags.NoColor || !c.gs.Stdout.IsTTY,
	}

	if conf.Watch.Bool {
		return session.watch(globalCtx, events)
	}
	failed, err := session.runOnce(globalCtx)
	if err != nil {
		return err
	}
	if failed > 0 {
		return errext.WithExitCodeIfNone(
			fmt.Errorf("%d test(s) failed", failed), exitcodes.TestsFailed,
		)
	}
	return nil
}

// resolveSources makes the test file paths absolute; the worker may not
// share the working directory of the host.
func (c *cmdRun) resolveSources(args []string) ([]string, error) {
	cwd, err := c.gs.Getwd()
	if err != nil {
		return nil, err
	}
	sources := make([]string, 0, len(args))
	for _, arg := range args {
		if !filepath.IsAbs(arg) {
			arg = filepath.Join(cwd, arg)
		}
		sources = append(sources, filepath.Clean(arg))
	}
	return sources, nil
}

func (c *cmdRun) reportDebugPauses(events event.Subscriber) func() {
	subID, ch := events.Subscribe(event.Debug)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			data, _ := ev.Data.(event.DebugData)
			c.gs.Logger.WithField("testRunId", data.TestRunID).
				Warn("Test code paused for debugging, the remaining tests are stopped")
			ev.Done()
		}
	}()
	return func() {
		events.Unsubscribe(subID)
		<-done
	}
}

// runSession compiles and runs the tests, possibly more than once.
type runSession struct {
	gs      *state.GlobalState
	proc    *process.CompilerProcess
	runner  *execution.Runner
	sources []string
	noColor bool
}

// runOnce compiles the sources, runs their tests, prints the summary and
// returns how many tests failed.
func (s *runSession) runOnce(ctx context.Context) (int, error) {
	tests, err := s.proc.GetTests(ctx, s.sources)
	if err != nil {
		return 0, err
	}
	s.gs.Logger.WithField("tests", len(tests)).Debug("Compiled the test files")

	start := time.Now()
	results, runErr := s.runner.Run(ctx, tests)

	cleanCtx, cancel := context.WithTimeout(context.Background(), workerStopLimit)
	defer cancel()
	if err := s.proc.CleanUp(cleanCtx); err != nil {
		s.gs.Logger.WithError(err).Debug("Could not clean the worker up")
	}

	sum := summarize(results, time.Since(start))
	if _, err := fmt.Fprint(s.gs.Stdout, sum.render(s.noColor)); err != nil {
		s.gs.Logger.WithError(err).Warn("Could not print the summary")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return sum.failed, runErr
	}
	if ctx.Err() != nil {
		return sum.failed, errext.WithExitCodeIfNone(ctx.Err(), exitcodes.ExternalAbort)
	}
	return sum.failed, nil
}

// handleTestAbortSignals stops the tests on the first interrupt and aborts
// the run on the second one.
func handleTestAbortSignals(gs *state.GlobalState, gracefulStop func(), onHardStop func()) (stop func()) {
	sigC := make(chan os.Signal, 2)
	done := make(chan struct{})
	gs.SignalNotify(sigC, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigC:
			gs.Logger.WithField("sig", sig).Warn("Stopping the tests in response to signal, press again to abort")
			gracefulStop()
		case <-done:
			return
		}

		select {
		case sig := <-sigC:
			gs.Logger.WithField("sig", sig).Error("Aborting the run")
			onHardStop()
		case <-done:
			return
		}
	}()

	return func() {
		close(done)
		gs.SignalStop(sigC)
	}
}

func getCmdRun(gs *state.GlobalState) *cobra.Command {
	c := &cmdRun{gs: gs}

	runCmd := &cobra.Command{
		Use:   "run [flags] test-file...",
		Short: "Run the tests of the given files",
		Long: `Run the tests of the given files.

The files are compiled in a worker process which the tests are run through.`,
		Example: `
  # Run the tests of two files
  k6bridge run a.test.js b.test.js

  # Run two fixtures at a time and wait for a debugger before running test code
  k6bridge run --concurrency 2 --engine-flag=--inspect-brk=9230 a.test.js

  # Re-run the tests whenever one of the test files changes
  k6bridge run --watch a.test.js`[1:],
		Args: cobra.MinimumNArgs(1),
		RunE: c.run,
	}
	runCmd.Flags().SortFlags = false
	runCmd.Flags().AddFlagSet(configFlagSet())
	return runCmd
}

