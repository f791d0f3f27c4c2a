package shim

import (
	"context"
	"os/exec"
	"testing"

	"github.com/containerd/containerd/v2/pkg/shim"

	"github.com/MarcinKonowalczyk/bftree/utils"
)

func TestDaemonArgs(t *testing.T) {
	utils.AssertEqual(t, len(daemonArgs(shim.StartOpts{})), 0)
	utils.AssertEqualArrays(t, daemonArgs(shim.StartOpts{Debug: true}), []string{"-debug"})
}

func TestSpawn(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	utils.AssertNoError(t, spawn(context.Background(), cmd))
	utils.Assert(t, cmd.Process != nil && cmd.Process.Pid > 0, "expected a started process")
}

func TestSpawn_Missing(t *testing.T) {
	cmd := exec.Command("/nonexistent/shim-daemon")
	utils.AssertError(t, spawn(context.Background(), cmd))
}

func TestManager_Info(t *testing.T) {
	m := NewManager("io.containerd.bftree.v1")
	utils.AssertEqual(t, m.Name(), "io.containerd.bftree.v1")
	info, err := m.Info(context.Background(), nil)
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, info.Name, "io.containerd.bftree.v1")
	utils.AssertEqual(t, info.Version.Version, RuntimeVersion)
}
