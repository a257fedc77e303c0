package cmd

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/liuxd6825/k6bridge/cmd/state"
	"github.com/liuxd6825/k6bridge/lib/testutils"
)

type globalTestState struct {
	*state.GlobalState
	stdout, stderr *bytes.Buffer
	loggerHook     *testutils.LogHook
	cwd            string

	mu       sync.Mutex
	exitCode int
	signals  []chan<- os.Signal
}

func newGlobalTestState(tb testing.TB, args ...string) *globalTestState {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)

	logger, hook := testutils.NewLogger(tb)
	logger.SetLevel(logrus.InfoLevel)

	ts := &globalTestState{
		stdout:     new(bytes.Buffer),
		stderr:     new(bytes.Buffer),
		loggerHook: hook,
		cwd:        "/tests",
		exitCode:   -2,
	}
	defaultFlags := state.GetDefaultGlobalOptions("/config")
	ts.GlobalState = &state.GlobalState{
		Ctx:          ctx,
		FS:           afero.NewMemMapFs(),
		Getwd:        func() (string, error) { return ts.cwd, nil },
		BinaryName:   "k6bridge",
		CmdArgs:      append([]string{"k6bridge"}, args...),
		Env:          map[string]string{},
		DefaultFlags: defaultFlags,
		Flags:        defaultFlags,
		Stdout:       &state.Stream{Writer: ts.stdout},
		Stderr:       &state.Stream{Writer: ts.stderr},
		Stdin:        new(bytes.Buffer),
		OSExit: func(code int) {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			ts.exitCode = code
		},
		SignalNotify: func(c chan<- os.Signal, _ ...os.Signal) {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			ts.signals = append(ts.signals, c)
		},
		SignalStop: func(chan<- os.Signal) {},
		Logger:     logger,
	}
	return ts
}

func (ts *globalTestState) ExitCode() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.exitCode
}

// interrupt delivers an interrupt to the last registered signal channel.
func (ts *globalTestState) interrupt() {
	ts.mu.Lock()
	c := ts.signals[len(ts.signals)-1]
	ts.mu.Unlock()
	c <- os.Interrupt
}
