package shim

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	taskAPI "github.com/containerd/containerd/api/runtime/task/v2"
	tasktypes "github.com/containerd/containerd/api/types/task"
	"github.com/containerd/errdefs"

	"github.com/MarcinKonowalczyk/bftree/utils"
)

func testBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	utils.AssertNoError(t, os.MkdirAll(filepath.Join(dir, "rootfs"), 0755))
	utils.AssertNoError(t, os.WriteFile(filepath.Join(dir, "rootfs", "main.bf"), []byte("+."), 0644))
	data, err := json.Marshal(map[string]any{
		"root":    map[string]string{"path": "rootfs"},
		"process": map[string]any{"args": []string{"main.bf"}},
	})
	utils.AssertNoError(t, err)
	utils.AssertNoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0644))
	return dir
}

// serviceRunning returns a service whose tasks run script instead of the
// interpreter.
func serviceRunning(script string) *taskService {
	s := newTaskService(nil)
	s.command = func(ctx context.Context, _, _ string) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, "/bin/sh", "-c", script), nil
	}
	return s
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTaskService_Lifecycle(t *testing.T) {
	ctx := waitCtx(t)
	s := serviceRunning("exit 7")
	bundle := testBundle(t)

	created, err := s.Create(ctx, &taskAPI.CreateTaskRequest{ID: "t1", Bundle: bundle})
	utils.AssertNoError(t, err)
	utils.Assert(t, created.Pid > 0, "expected a pid")

	pid, err := readPidFile(filepath.Join(bundle, initPidFile))
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, uint32(pid), created.Pid)

	waited, err := s.Wait(ctx, &taskAPI.WaitRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, waited.ExitStatus, uint32(7))

	state, err := s.State(ctx, &taskAPI.StateRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, state.Status, tasktypes.Status_STOPPED)
	utils.AssertEqual(t, state.Pid, created.Pid)

	deleted, err := s.Delete(ctx, &taskAPI.DeleteRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, deleted.ExitStatus, uint32(7))

	_, err = s.State(ctx, &taskAPI.StateRequest{ID: "t1"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found after delete")
}

func TestTaskService_CreateTwice(t *testing.T) {
	ctx := waitCtx(t)
	s := serviceRunning("exit 0")
	bundle := testBundle(t)

	_, err := s.Create(ctx, &taskAPI.CreateTaskRequest{ID: "t1", Bundle: bundle})
	utils.AssertNoError(t, err)
	_, err = s.Create(ctx, &taskAPI.CreateTaskRequest{ID: "t1", Bundle: bundle})
	utils.Assert(t, errdefs.IsAlreadyExists(err), "expected already exists")
}

func TestTaskService_CreateBadBundle(t *testing.T) {
	s := serviceRunning("exit 0")
	_, err := s.Create(waitCtx(t), &taskAPI.CreateTaskRequest{ID: "t1", Bundle: t.TempDir()})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
}

func TestTaskService_KillAndDelete(t *testing.T) {
	ctx := waitCtx(t)
	s := serviceRunning("sleep 30")
	bundle := testBundle(t)

	_, err := s.Create(ctx, &taskAPI.CreateTaskRequest{ID: "t1", Bundle: bundle})
	utils.AssertNoError(t, err)

	state, err := s.State(ctx, &taskAPI.StateRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, state.Status, tasktypes.Status_CREATED)

	_, err = s.Start(ctx, &taskAPI.StartRequest{ID: "t1"})
	utils.AssertNoError(t, err)

	state, err = s.State(ctx, &taskAPI.StateRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, state.Status, tasktypes.Status_RUNNING)

	_, err = s.Delete(ctx, &taskAPI.DeleteRequest{ID: "t1"})
	utils.Assert(t, errdefs.IsFailedPrecondition(err), "expected failed precondition while running")

	_, err = s.Kill(ctx, &taskAPI.KillRequest{ID: "t1"})
	utils.AssertNoError(t, err)

	waited, err := s.Wait(ctx, &taskAPI.WaitRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, waited.ExitStatus, uint32(exitCodeSignal+int(syscall.SIGKILL)))

	_, err = s.Delete(ctx, &taskAPI.DeleteRequest{ID: "t1"})
	utils.AssertNoError(t, err)
}

func TestTaskService_Unknown(t *testing.T) {
	ctx := waitCtx(t)
	s := serviceRunning("exit 0")

	_, err := s.Start(ctx, &taskAPI.StartRequest{ID: "nope"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
	_, err = s.Wait(ctx, &taskAPI.WaitRequest{ID: "nope"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
	_, err = s.Kill(ctx, &taskAPI.KillRequest{ID: "nope"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
	_, err = s.Connect(ctx, &taskAPI.ConnectRequest{ID: "nope"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
}

func TestTaskService_NotImplemented(t *testing.T) {
	ctx := waitCtx(t)
	s := serviceRunning("exit 0")

	_, err := s.Exec(ctx, &taskAPI.ExecProcessRequest{ID: "t1"})
	utils.Assert(t, errdefs.IsNotImplemented(err), "Exec")
	_, err = s.Pause(ctx, &taskAPI.PauseRequest{ID: "t1"})
	utils.Assert(t, errdefs.IsNotImplemented(err), "Pause")
	_, err = s.Resume(ctx, &taskAPI.ResumeRequest{ID: "t1"})
	utils.Assert(t, errdefs.IsNotImplemented(err), "Resume")
	_, err = s.Pids(ctx, &taskAPI.PidsRequest{ID: "t1"})
	utils.Assert(t, errdefs.IsNotImplemented(err), "Pids")
	_, err = s.CloseIO(ctx, &taskAPI.CloseIORequest{ID: "t1"})
	utils.Assert(t, errdefs.IsNotImplemented(err), "CloseIO")
	_, err = s.Checkpoint(ctx, &taskAPI.CheckpointTaskRequest{ID: "t1"})
	utils.Assert(t, errdefs.IsNotImplemented(err), "Checkpoint")
	_, err = s.Update(ctx, &taskAPI.UpdateTaskRequest{ID: "t1"})
	utils.Assert(t, errdefs.IsAborted(err), "Update")

	stats, err := s.Stats(ctx, &taskAPI.StatsRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.Assert(t, stats.Stats != nil, "expected empty stats payload")
}
