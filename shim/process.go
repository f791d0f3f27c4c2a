package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	tasktypes "github.com/containerd/containerd/api/types/task"
	"github.com/containerd/fifo"
	"github.com/containerd/log"
)

// task is the interpreter process backing one containerd task.
type task struct {
	pid     int
	started bool

	// cancelled once the process has been reaped
	done       context.Context
	exitedAt   time.Time
	exitStatus int

	stdin  string
	stdout string
}

func (t *task) exited() bool {
	return t.done.Err() != nil
}

func (t *task) status() tasktypes.Status {
	switch {
	case t.exited():
		return tasktypes.Status_STOPPED
	case t.started:
		return tasktypes.Status_RUNNING
	default:
		return tasktypes.Status_CREATED
	}
}

func (t *task) String() string {
	if t.exited() {
		return fmt.Sprintf("pid:%d, exitedAt:%s, exitStatus:%d", t.pid, t.exitedAt.Format(time.RFC3339), t.exitStatus)
	}
	return fmt.Sprintf("pid:%d running", t.pid)
}

// The interpreter is started behind this script so that it stops itself
// before exec; Start resumes it with SIGCONT.
const startStoppedScript = `#!/bin/sh
kill -STOP $$
exec "$@"
`

const commandWaitDelay = 100 * time.Millisecond

// exitStatus maps a finished process to the status reported to containerd.
// Processes killed by a signal report 128+signal, as a POSIX shell would.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return 255
	}
	if state.Exited() {
		return state.ExitCode()
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return exitCodeSignal + int(ws.Signal())
	}
	return 255
}

// openFifo checks that path is a fifo before opening it with flag.
func openFifo(ctx context.Context, path string, flag int) (io.ReadWriteCloser, error) {
	ok, err := fifo.IsFifo(path)
	if err != nil {
		return nil, fmt.Errorf("checking whether file %s is a fifo: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("file %s is not a fifo", path)
	}
	f, err := fifo.OpenFifo(ctx, path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fifo %s: %w", path, err)
	}
	return f, nil
}

// fifos are the task stdio fifos opened for one interpreter.
type fifos []io.Closer

func (f fifos) Close() error {
	var errs []error
	for _, c := range f {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// connectStdio wires the task fifos to the interpreter command. Empty paths
// are left unconnected, except stderr which falls back to stdout. The
// returned fifos must be closed by the caller if the command never starts.
func connectStdio(ctx context.Context, cmd *exec.Cmd, stdin, stdout, stderr string) (_ fifos, retErr error) {
	if stderr == "" {
		stderr = stdout
	}

	var opened fifos
	defer func() {
		if retErr != nil {
			opened.Close()
		}
	}()

	if stdin != "" {
		fr, err := openFifo(ctx, stdin, syscall.O_RDONLY)
		if err != nil {
			return nil, err
		}
		opened = append(opened, fr)
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("getting stdin pipe: %w", err)
		}
		go copyStream(ctx, pipe, fr, stdin)
	}

	outputs := []struct {
		path string
		pipe func() (io.ReadCloser, error)
	}{
		{stdout, cmd.StdoutPipe},
		{stderr, cmd.StderrPipe},
	}
	for _, o := range outputs {
		if o.path == "" {
			continue
		}
		fw, err := openFifo(ctx, o.path, syscall.O_WRONLY)
		if err != nil {
			return nil, err
		}
		opened = append(opened, fw)
		pipe, err := o.pipe()
		if err != nil {
			return nil, fmt.Errorf("getting output pipe for %s: %w", o.path, err)
		}
		go copyStream(ctx, fw, pipe, o.path)
	}
	return opened, nil
}

// copyStream copies src to dst until either side is done, then closes both.
func copyStream(ctx context.Context, dst io.WriteCloser, src io.Reader, name string) {
	defer dst.Close()
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}
	if _, err := io.Copy(dst, src); err != nil {
		log.G(ctx).WithError(err).Errorf("failed to copy stream %s", name)
	}
}
