package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6bridge/compiler/transmitter"
)

// WorkerFD is the first file descriptor of the lanes in the worker: for lane
// L, fd WorkerFD+2L is read and fd WorkerFD+2L+1 is written.
const WorkerFD = 3

type worker struct {
	cmd       *exec.Cmd
	transport *transmitter.StreamTransport
	done      chan struct{}
	err       error
}

// spawn starts the worker process and connects the lanes to it through
// inherited pipes.
func spawn(
	ctx context.Context, executable string, args, env []string, logger logrus.FieldLogger,
) (*worker, error) {
	var (
		readers    [3]io.Reader
		writers    [3]io.Writer
		extraFiles []*os.File
		childEnds  []*os.File
	)
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	for _, lane := range transmitter.Lanes() {
		toWorkerR, toWorkerW, err := os.Pipe()
		if err != nil {
			closeAll(childEnds)
			return nil, err
		}
		toHostR, toHostW, err := os.Pipe()
		if err != nil {
			closeAll(append(childEnds, toWorkerR, toWorkerW))
			return nil, err
		}
		readers[lane], writers[lane] = toHostR, toWorkerW
		extraFiles = append(extraFiles, toWorkerR, toHostW)
		childEnds = append(childEnds, toWorkerR, toHostW)
	}
	transport := transmitter.NewStreamTransport(readers, writers)

	cmd := exec.CommandContext(ctx, executable, args...)
	killAfterParent(cmd)
	cmd.ExtraFiles = extraFiles
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err := cmd.Start()
	closeAll(childEnds)
	if errors.Is(err, os.ErrNotExist) {
		_ = transport.Close()
		return nil, fmt.Errorf("file does not exist: %s", executable)
	}
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("starting the worker: %w", err)
	}

	w := &worker{cmd: cmd, transport: transport, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		w.err = cmd.Wait()
		cause := errors.New("worker exited")
		if w.err != nil {
			cause = fmt.Errorf("worker exited: %w", w.err)
			logger.WithError(w.err).Debugf("Worker with PID %d ended", cmd.Process.Pid)
		}
		_ = transport.CloseWithError(cause)
	}()
	return w, nil
}

// wait blocks until the worker exits or ctx is done.
func (w *worker) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) kill() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}
