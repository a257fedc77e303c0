// Package cmd is the command line interface of k6bridge.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/k6bridge/cmd/state"
	"github.com/liuxd6825/k6bridge/errext"
	"github.com/liuxd6825/k6bridge/errext/exitcodes"
)

// Execute runs the root command with the state of the process.
func Execute() {
	ExecuteWithGlobalState(state.NewGlobalState(context.Background()))
}

// ExecuteWithGlobalState runs the root command with an existing GlobalState.
// It is called by main.main().
func ExecuteWithGlobalState(gs *state.GlobalState) {
	newRootCommand(gs).execute()
}

type rootCommand struct {
	globalState *state.GlobalState
	cmd         *cobra.Command
}

func newRootCommand(gs *state.GlobalState) *rootCommand {
	c := &rootCommand{globalState: gs}
	rootCmd := &cobra.Command{
		Use:               gs.BinaryName,
		Short:             "Compile test files in a worker process and run their tests",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
		Version:           Version,
	}
	rootCmd.SetVersionTemplate(
		`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "v%s\n" .Version}}`,
	)

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	rootCmd.SetArgs(gs.CmdArgs[1:])
	rootCmd.SetOut(gs.Stdout)
	rootCmd.SetErr(gs.Stderr)
	rootCmd.SetIn(gs.Stdin)

	subCommands := []func(*state.GlobalState) *cobra.Command{
		getCmdRun, getCmdWorker, getCmdVersion,
	}
	for _, sc := range subCommands {
		rootCmd.AddCommand(sc(gs))
	}

	c.cmd = rootCmd
	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	if err := setupLoggers(c.globalState); err != nil {
		return err
	}
	c.globalState.Logger.Debugf("k6bridge version: v%s", Version)
	return nil
}

func (c *rootCommand) execute() {
	ctx, cancel := context.WithCancel(c.globalState.Ctx)
	c.globalState.Ctx = ctx

	exitCode := -1
	defer func() {
		cancel()
		c.globalState.OSExit(exitCode)
	}()

	defer func() {
		if r := recover(); r != nil {
			exitCode = int(exitcodes.GenericEngine)
			c.globalState.Logger.Error(fmt.Errorf("unexpected k6bridge panic: %s\n%s", r, debug.Stack()))
		}
	}()

	err := c.cmd.Execute()
	if err == nil {
		exitCode = 0
		return
	}

	var ecerr errext.HasExitCode
	if errors.As(err, &ecerr) {
		exitCode = int(ecerr.ExitCode())
	}

	if errors.Is(err, errAlreadyReported) {
		return
	}

	errText, fields := errext.Format(err)
	c.globalState.Logger.WithFields(fields).Error(errText)
}

// errAlreadyReported is returned by commands that told the user about their
// failure already and only need to set the exit code.
var errAlreadyReported = errors.New("already reported")

func rootCmdPersistentFlagSet(gs *state.GlobalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)

	// The values of gs.Flags may come from the environment already, so they
	// are both the destination and the value; DefValue keeps the help
	// message honest.
	flags.StringVar(&gs.Flags.LogFormat, "log-format", gs.Flags.LogFormat, "log output format, 'text' or 'json'")
	flags.Lookup("log-format").DefValue = gs.DefaultFlags.LogFormat

	flags.StringVar(&gs.Flags.LogLevel, "log-level", gs.Flags.LogLevel, "log level")
	flags.Lookup("log-level").DefValue = gs.DefaultFlags.LogLevel

	flags.StringVarP(&gs.Flags.ConfigFilePath, "config", "c", gs.Flags.ConfigFilePath, "JSON config file")
	flags.Lookup("config").DefValue = gs.DefaultFlags.ConfigFilePath
	must(cobra.MarkFlagFilename(flags, "config"))

	flags.BoolVar(&gs.Flags.NoColor, "no-color", gs.Flags.NoColor, "disable colored output")
	flags.Lookup("no-color").DefValue = strconv.FormatBool(gs.DefaultFlags.NoColor)

	flags.BoolVarP(&gs.Flags.Verbose, "verbose", "v", gs.DefaultFlags.Verbose, "enable verbose logging")
	return flags
}

// setupLoggers applies the logging flags to the logger of gs.
func setupLoggers(gs *state.GlobalState) error {
	level, err := logrus.ParseLevel(gs.Flags.LogLevel)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	if gs.Flags.Verbose && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	gs.Logger.SetLevel(level)

	switch strings.ToLower(gs.Flags.LogFormat) {
	case "", "text":
		colors := !gs.Flags.NoColor && gs.Stderr.IsTTY
		gs.Logger.SetFormatter(&logrus.TextFormatter{ForceColors: colors, DisableColors: !colors})
	case "json":
		gs.Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errext.WithExitCodeIfNone(
			fmt.Errorf("unsupported log format %q", gs.Flags.LogFormat), exitcodes.InvalidConfig,
		)
	}
	return nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
