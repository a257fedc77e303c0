package execution

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/api/testrun"
	"github.com/liuxd6825/k6bridge/command"
)

// DryRunExecutor executes commands without a browser. It logs them, honors
// waits, initializes roles and fires the request hooks of the pages it
// navigates to.
type DryRunExecutor struct {
	Logger logrus.FieldLogger
	// Delay is spent on every command other than waits.
	Delay time.Duration
}

var _ testrun.CommandExecutor = &DryRunExecutor{}

// Execute implements testrun.CommandExecutor.
func (e *DryRunExecutor) Execute(ctx context.Context, run *testrun.Run, cmd *command.Command) (interface{}, error) {
	e.Logger.WithFields(logrus.Fields{
		"testRunId": run.ID(),
		"command":   cmd.Type,
		"selector":  cmd.Selector,
		"url":       cmd.URL,
	}).Info("Executing command")

	if cmd.Type != command.TypeWait && e.Delay > 0 {
		if err := sleep(ctx, e.Delay); err != nil {
			return nil, err
		}
	}

	switch cmd.Type {
	case command.TypeWait:
		return nil, sleep(ctx, cmd.TimeoutDuration())
	case command.TypeUseRole:
		if cmd.Role == nil {
			return nil, nil
		}
		return nil, cmd.Role.Initialize(ctx, run)
	case command.TypeNavigateTo:
		return nil, e.navigate(ctx, run, cmd.URL)
	default:
		return nil, nil
	}
}

func (e *DryRunExecutor) navigate(ctx context.Context, run *testrun.Run, url string) error {
	for _, h := range run.RequestHooks() {
		if !h.Descriptor().Matches(url) {
			continue
		}
		req := &requesthook.RequestEvent{TestRunID: run.ID(), URL: url, Method: http.MethodGet}
		if err := h.OnRequest(ctx, req); err != nil {
			return err
		}
		res := &requesthook.ResponseEvent{TestRunID: run.ID(), URL: url, StatusCode: http.StatusOK}
		if err := h.OnResponse(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
