package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/k6bridge/cmd/state"
	"github.com/liuxd6825/k6bridge/compiler/inspector"
	"github.com/liuxd6825/k6bridge/compiler/process"
	"github.com/liuxd6825/k6bridge/compiler/process/child"
	"github.com/liuxd6825/k6bridge/compiler/transmitter"
	"github.com/liuxd6825/k6bridge/errext"
	"github.com/liuxd6825/k6bridge/errext/exitcodes"
	"github.com/liuxd6825/k6bridge/js"
)

const inspectorTitle = "k6bridge worker"

type cmdWorker struct {
	gs *state.GlobalState
}

// run serves the host on the inherited lanes until it asks the worker to
// exit. args are the engine flags the worker was spawned with.
func (c *cmdWorker) run(_ *cobra.Command, args []string) error {
	logger := c.gs.Logger

	// An interrupt of the terminal reaches the worker too; the host decides
	// what happens to the tests.
	sigC := make(chan os.Signal, 1)
	c.gs.SignalNotify(sigC, os.Interrupt)
	defer c.gs.SignalStop(sigC)
	go func() {
		for range sigC {
			logger.Debug("Worker interrupted, waiting for the host")
		}
	}()

	conf, err := readEnvConfig(c.gs.Env)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	conf = NewConfig().Apply(conf)

	ep, err := process.ParseDebugEndpoint(args)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	srv, err := inspector.Listen(ep.Addr(), inspectorTitle, ep.StopOnStart, logger)
	if err != nil {
		logger.WithError(err).Warnf("Could not listen for a debugger on %s", ep.Addr())
	} else {
		defer func() { _ = srv.Close() }()
	}

	transport := transmitter.NewFileTransport(process.WorkerFD, process.WorkerFD+1)
	compiler := js.New(logger)
	defer compiler.CleanUp()

	w := child.New(c.gs.Ctx, transport, child.Options{
		Logger:           logger,
		Fs:               c.gs.FS,
		Compiler:         compiler,
		Inspector:        srv,
		AssertionTimeout: conf.AssertionTimeout.TimeDuration(),
	})
	if err := w.Start(); err != nil {
		_ = w.Close()
		return errext.WithExitCodeIfNone(err, exitcodes.WorkerLost)
	}

	err = w.Wait(c.gs.Ctx)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.WorkerLost)
	}
	return nil
}

func getCmdWorker(gs *state.GlobalState) *cobra.Command {
	c := &cmdWorker{gs: gs}
	return &cobra.Command{
		Use:                "worker [engine flags]",
		Short:              "Serve a host as its worker process",
		Hidden:             true,
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		RunE:               c.run,
	}
}

