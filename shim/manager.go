package shim

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	apitypes "github.com/containerd/containerd/api/types"
	"github.com/containerd/containerd/v2/pkg/shim"
	"github.com/containerd/log"
)

// https://pubs.opengroup.org/onlinepubs/9699919799/utilities/V3_chap02.html#tag_18_21_18
const exitCodeSignal = 128

const initPidFile = "bftree.pid"

// RuntimeVersion is reported through Info.
const RuntimeVersion = "v0.1.0"

// comptime override for debug flag
// set with `-ldflags="-X 'github.com/MarcinKonowalczyk/bftree/shim.debug=true'"`
var debug string

type manager struct {
	name string
}

// NewManager returns the shim manager registered under name, e.g.
// io.containerd.bftree.v1.
func NewManager(name string) shim.Manager {
	return manager{name: name}
}

var _ = shim.Manager(manager{})

func (m manager) Name() string {
	return m.name
}

// daemonArgs are the extra arguments of the shim daemon process.
func daemonArgs(opts shim.StartOpts) []string {
	if opts.Debug || debug != "" {
		return []string{"-debug"}
	}
	return nil
}

// listen opens the ttrpc socket for task id. The caller owns both the
// listener and the returned file, which the daemon inherits.
func listen(ctx context.Context, opts shim.StartOpts, id string) (addr string, l *net.UnixListener, f *os.File, err error) {
	addr, err = shim.SocketAddress(ctx, opts.Address, id, opts.Debug)
	if err != nil {
		return "", nil, nil, fmt.Errorf("getting a socket address: %w", err)
	}
	l, err = shim.NewSocket(addr)
	if err != nil {
		return "", nil, nil, fmt.Errorf("creating socket %s: %w", addr, err)
	}
	f, err = l.File()
	if err != nil {
		l.Close()
		_ = shim.RemoveSocket(addr)
		return "", nil, nil, fmt.Errorf("getting socket file descriptor: %w", err)
	}
	return addr, l, f, nil
}

// spawn starts the daemon with the thread locked, since it inherits the
// thread's namespaces, and reaps it in the background.
func spawn(ctx context.Context, cmd *exec.Cmd) error {
	runtime.LockOSThread()
	err := cmd.Start()
	runtime.UnlockOSThread()
	if err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				log.G(ctx).WithError(err).Errorf("failed to wait for shim process %d", cmd.Process.Pid)
			}
		}
	}()
	return nil
}

// Start spawns the long running shim daemon for task id and hands its ttrpc
// socket back to containerd.
func (m manager) Start(ctx context.Context, id string, opts shim.StartOpts) (shim.BootstrapParams, error) {
	log.G(ctx).WithField("id", id).Debug("start shim")
	var params shim.BootstrapParams

	self, err := os.Executable()
	if err != nil {
		return params, fmt.Errorf("getting executable of current process: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return params, fmt.Errorf("getting current working directory: %w", err)
	}
	cmd, err := shim.Command(ctx, &shim.CommandConfig{
		Runtime:      self,
		Address:      opts.Address,
		TTRPCAddress: opts.TTRPCAddress,
		Path:         cwd,
		Args:         daemonArgs(opts),
	})
	if err != nil {
		return params, fmt.Errorf("creating shim command: %w", err)
	}

	addr, socket, sockF, err := listen(ctx, opts, id)
	if err != nil {
		return params, err
	}
	// the daemon holds its own copy of the descriptor once started
	defer sockF.Close()
	cmd.ExtraFiles = append(cmd.ExtraFiles, sockF)

	if err := spawn(ctx, cmd); err != nil {
		socket.Close()
		_ = shim.RemoveSocket(addr)
		return params, fmt.Errorf("starting shim daemon: %w", err)
	}
	if err := shim.AdjustOOMScore(cmd.Process.Pid); err != nil {
		return params, fmt.Errorf("adjusting shim process OOM score: %w", err)
	}

	params.Version = 2
	params.Address = addr
	params.Protocol = "ttrpc"
	return params, nil
}

// Stop is containerd's last resort cleanup when the daemon is gone: kill the
// interpreter process recorded in the pid file.
func (m manager) Stop(ctx context.Context, id string) (shim.StopStatus, error) {
	log.G(ctx).WithField("id", id).Debug("stop shim")

	cwd, err := os.Getwd()
	if err != nil {
		return shim.StopStatus{}, fmt.Errorf("getting current working directory: %w", err)
	}
	pid, err := readPidFile(pidFilePath(cwd, id))
	if err != nil {
		return shim.StopStatus{}, fmt.Errorf("reading pid file: %w", err)
	}

	if pid > 0 && processAlive(pid) {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			log.G(ctx).WithError(err).Warnf("failed to kill interpreter process %d", pid)
		}
	}

	return shim.StopStatus{
		Pid:        pid,
		ExitedAt:   time.Now(),
		ExitStatus: exitCodeSignal + int(syscall.SIGKILL),
	}, nil
}

func (m manager) Info(ctx context.Context, optionsR io.Reader) (*apitypes.RuntimeInfo, error) {
	return &apitypes.RuntimeInfo{
		Name: m.name,
		Version: &apitypes.RuntimeVersion{
			Version: RuntimeVersion,
		},
	}, nil
}

// pidFilePath locates the pid file of task id. The shim runs inside its own
// bundle directory, so sibling bundles share a parent.
func pidFilePath(cwd, id string) string {
	return filepath.Join(filepath.Dir(cwd), id, initPidFile)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func writePidFile(path string, pid int) error {
	if err := shim.WritePidFile(path, pid); err != nil {
		return fmt.Errorf("writing pid file of interpreter process: %w", err)
	}
	// rw-r--r--
	if err := os.Chmod(path, 0644); err != nil {
		return fmt.Errorf("changing pid file permissions: %w", err)
	}
	return nil
}

// processAlive sends the null signal, which POSIX defines as a validity check.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
