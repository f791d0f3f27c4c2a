package shim

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	taskAPI "github.com/containerd/containerd/api/runtime/task/v2"
	"github.com/containerd/containerd/protobuf"
	ptypes "github.com/containerd/containerd/v2/pkg/protobuf/types"
	"github.com/containerd/containerd/v2/pkg/shim"
	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/containerd/v2/plugins"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
	"github.com/containerd/ttrpc"
	"google.golang.org/protobuf/types/known/anypb"
)

func init() {
	registry.Register(&plugin.Registration{
		Type: plugins.TTRPCPlugin,
		ID:   "task",
		Requires: []plugin.Type{
			plugins.InternalPlugin,
		},
		InitFn: func(ic *plugin.InitContext) (interface{}, error) {
			ss, err := ic.GetByID(plugins.InternalPlugin, "shutdown")
			if err != nil {
				return nil, err
			}
			return newTaskService(ss.(shutdown.Service)), nil
		},
	})
}

// InterpreterArg is the first argument which makes the shim binary run a
// source file instead of serving containerd.
const InterpreterArg = "brainfuck"

type taskService struct {
	mu       sync.RWMutex
	tasks    map[string]*task
	shutdown shutdown.Service

	// interpreter command for a source file; replaced in tests
	command func(ctx context.Context, script, source string) (*exec.Cmd, error)
}

func newTaskService(sd shutdown.Service) *taskService {
	return &taskService{
		tasks:    make(map[string]*task, 1),
		shutdown: sd,
		command:  interpreterCommand,
	}
}

var _ = shim.TTRPCService(&taskService{})

// RegisterTTRPC allows TTRPC services to be registered with the underlying server
func (s *taskService) RegisterTTRPC(server *ttrpc.Server) error {
	taskAPI.RegisterTaskService(server, s)
	return nil
}

func interpreterCommand(ctx context.Context, script, source string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("getting executable of current process: %w", err)
	}
	return exec.CommandContext(ctx, "/bin/sh", script, self, InterpreterArg, source), nil
}

func (s *taskService) get(id string) (*task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not created: %w", id, errdefs.ErrNotFound)
	}
	return t, nil
}

func (s *taskService) doneContext(id string) (context.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return t.done, nil
}

// reap waits for the interpreter of task id, records its exit and shuts the
// shim down once no task is left running.
func (s *taskService) reap(ctx context.Context, id string, cmd *exec.Cmd, markDone func()) {
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			log.G(ctx).WithError(err).Errorf("failed to wait for interpreter process %d", pid)
		}
	}
	status := exitStatus(cmd.ProcessState)
	log.G(ctx).WithField("pid", pid).WithField("status", status).Debug("interpreter exited")

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		log.G(ctx).Errorf("failed to record exit of task %s: task was removed", id)
		markDone()
		return
	}
	t.exitStatus = status
	t.exitedAt = time.Now()
	markDone()

	for _, t := range s.tasks {
		if !t.exited() {
			return
		}
	}
	log.G(ctx).Debug("all tasks exited, shutting down the shim")
	if s.shutdown != nil {
		s.shutdown.Shutdown()
	}
}

// Create a new container
func (s *taskService) Create(ctx context.Context, r *taskAPI.CreateTaskRequest) (*taskAPI.CreateTaskResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("create")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[r.ID]; ok {
		return nil, fmt.Errorf("task %s: %w", r.ID, errdefs.ErrAlreadyExists)
	}

	bundle, err := ReadBundle(r.Bundle)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}

	script := filepath.Join(r.Bundle, "start-stopped.sh")
	if err := os.WriteFile(script, []byte(startStoppedScript), 0755); err != nil {
		return nil, fmt.Errorf("writing start-stopped.sh: %w", err)
	}

	// the task outlives this request
	runCtx := log.WithLogger(context.Background(), log.G(ctx).WithField("id", r.ID))

	cmd, err := s.command(runCtx, script, bundle.Source())
	if err != nil {
		return nil, err
	}
	stdio, err := connectStdio(runCtx, cmd, r.Stdin, r.Stdout, r.Stderr)
	if err != nil {
		return nil, err
	}
	cmd.WaitDelay = commandWaitDelay

	if err := cmd.Start(); err != nil {
		stdio.Close()
		return nil, fmt.Errorf("starting interpreter: %w", err)
	}
	pid := cmd.Process.Pid

	if err := writePidFile(filepath.Join(r.Bundle, initPidFile), pid); err != nil {
		log.G(ctx).WithError(err).Warn("interpreter pid will not be available to Stop")
	}

	done, markDone := context.WithCancel(context.Background())
	s.tasks[r.ID] = &task{
		pid:    pid,
		done:   done,
		stdin:  r.Stdin,
		stdout: r.Stdout,
	}
	go s.reap(runCtx, r.ID, cmd, markDone)

	return &taskAPI.CreateTaskResponse{
		Pid: uint32(pid),
	}, nil
}

// Start the primary user process inside the container
func (s *taskService) Start(ctx context.Context, r *taskAPI.StartRequest) (*taskAPI.StartResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("start")

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}

	if err := syscall.Kill(t.pid, syscall.SIGCONT); err != nil {
		return nil, fmt.Errorf("resuming interpreter %d: %w", t.pid, err)
	}
	t.started = true

	return &taskAPI.StartResponse{
		Pid: uint32(t.pid),
	}, nil
}

// Delete a process or container
func (s *taskService) Delete(ctx context.Context, r *taskAPI.DeleteRequest) (*taskAPI.DeleteResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("delete")

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}
	if !t.exited() {
		return nil, errdefs.ErrFailedPrecondition.WithMessage(fmt.Sprintf("interpreter %d is still running", t.pid))
	}
	delete(s.tasks, r.ID)

	return &taskAPI.DeleteResponse{
		Pid:        uint32(t.pid),
		ExitStatus: uint32(t.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(t.exitedAt),
	}, nil
}

// Exec an additional process inside the container
func (s *taskService) Exec(ctx context.Context, r *taskAPI.ExecProcessRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Exec (task)")
}

// ResizePty of a process
func (s *taskService) ResizePty(ctx context.Context, r *taskAPI.ResizePtyRequest) (*ptypes.Empty, error) {
	return &ptypes.Empty{}, nil
}

// State returns runtime state of a process
func (s *taskService) State(ctx context.Context, r *taskAPI.StateRequest) (*taskAPI.StateResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}

	status := t.status()

	return &taskAPI.StateResponse{
		ID:         r.ID,
		Pid:        uint32(t.pid),
		Status:     status,
		Stdout:     t.stdout,
		Stdin:      t.stdin,
		ExitStatus: uint32(t.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(t.exitedAt),
	}, nil
}

// Pause the container
func (s *taskService) Pause(ctx context.Context, r *taskAPI.PauseRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Pause (task)")
}

// Resume the container
func (s *taskService) Resume(ctx context.Context, r *taskAPI.ResumeRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Resume (task)")
}

// Kill sends the requested signal to the interpreter and waits for it to
// exit. Signal 0 means SIGKILL.
func (s *taskService) Kill(ctx context.Context, r *taskAPI.KillRequest) (*ptypes.Empty, error) {
	log.G(ctx).WithField("id", r.ID).WithField("signal", r.Signal).Debug("kill")

	sig := syscall.Signal(r.Signal)
	if sig == 0 {
		sig = syscall.SIGKILL
	}

	done, err := func() (context.Context, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		t, err := s.get(r.ID)
		if err != nil {
			return nil, err
		}
		if t.exited() || t.pid <= 0 || !processAlive(t.pid) {
			return t.done, nil
		}
		if err := syscall.Kill(t.pid, sig); err != nil {
			return nil, fmt.Errorf("sending %s to interpreter %d: %w", sig, t.pid, err)
		}
		// a stopped process only acts on the signal once resumed
		if sig != syscall.SIGKILL && sig != syscall.SIGCONT {
			_ = syscall.Kill(t.pid, syscall.SIGCONT)
		}
		return t.done, nil
	}()
	if err != nil {
		log.G(ctx).WithError(err).Errorf("failed to kill task %s", r.ID)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done.Done():
	}
	return &ptypes.Empty{}, nil
}

// Pids returns all pids inside the container
func (s *taskService) Pids(ctx context.Context, r *taskAPI.PidsRequest) (*taskAPI.PidsResponse, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Pids (task)")
}

// CloseIO of a process
func (s *taskService) CloseIO(ctx context.Context, r *taskAPI.CloseIORequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("CloseIO (task)")
}

// Checkpoint the container
func (s *taskService) Checkpoint(ctx context.Context, r *taskAPI.CheckpointTaskRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Checkpoint (task)")
}

// Connect returns shim information of the underlying service
func (s *taskService) Connect(ctx context.Context, r *taskAPI.ConnectRequest) (*taskAPI.ConnectResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}

	return &taskAPI.ConnectResponse{
		ShimPid: uint32(os.Getpid()),
		TaskPid: uint32(t.pid),
	}, nil
}

// Shutdown is called after the underlying resources of the shim are cleaned up and the service can be stopped
func (s *taskService) Shutdown(ctx context.Context, r *taskAPI.ShutdownRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("shutdown")
	if s.shutdown != nil {
		s.shutdown.Shutdown()
	}
	return &ptypes.Empty{}, nil
}

// Stats has nothing to report for an interpreter process.
func (s *taskService) Stats(ctx context.Context, r *taskAPI.StatsRequest) (*taskAPI.StatsResponse, error) {
	return &taskAPI.StatsResponse{
		Stats: &anypb.Any{},
	}, nil
}

// Update the live container
func (s *taskService) Update(ctx context.Context, r *taskAPI.UpdateTaskRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrAborted.WithMessage("Update (task)")
}

// Wait for a process to exit
func (s *taskService) Wait(ctx context.Context, r *taskAPI.WaitRequest) (*taskAPI.WaitResponse, error) {
	done, err := s.doneContext(r.ID)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done.Done():
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}

	return &taskAPI.WaitResponse{
		ExitStatus: uint32(t.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(t.exitedAt),
	}, nil
}
