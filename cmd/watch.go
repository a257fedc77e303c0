package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/liuxd6825/k6bridge/event"
)

const watchDebounce = 200 * time.Millisecond

// watch runs the tests, then runs them again whenever one of the files the
// worker loaded for them changes, until ctx is done.
func (s *runSession) watch(ctx context.Context, events event.Subscriber) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	logger := s.gs.Logger.WithField("component", "watch")

	// The worker reports every file it loads, the test files and what they
	// require.
	subID, ch := events.Subscribe(event.TestFileAdded)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			if data, ok := ev.Data.(event.TestFileAddedData); ok {
				if err := watcher.Add(data.Filename); err != nil {
					logger.WithError(err).WithField("filename", data.Filename).Warn("Could not watch the file")
				}
			}
			ev.Done()
		}
	}()
	defer func() {
		events.Unsubscribe(subID)
		wg.Wait()
	}()

	for {
		if _, err := s.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.WithError(err).Error("The run failed")
		}
		logger.Info("Watching for changes")

		changed, err := waitForChange(ctx, watcher)
		if err != nil || ctx.Err() != nil {
			return err
		}
		logger.WithField("filename", changed).Info("File changed, running the tests again")
	}
}

// waitForChange returns the first file written after the call, once no other
// change arrived for a short while.
func waitForChange(ctx context.Context, watcher *fsnotify.Watcher) (string, error) {
	var (
		changed string
		timer   <-chan time.Time
		errs    = watcher.Errors
	)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return changed, nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if changed == "" {
				changed = ev.Name
			}
			timer = time.After(watchDebounce)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return "", err
		case <-timer:
			return changed, nil
		case <-ctx.Done():
			return "", nil
		}
	}
}
