package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/containerd/v2/pkg/shim"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/MarcinKonowalczyk/bftree/bf"
	bfshim "github.com/MarcinKonowalczyk/bftree/shim"
)

const runtimeName = "io.containerd.bftree.v1"

func main() {
	// Maybe hijack the shim to run as the interpreter of a task
	if interpreter, args := interpreterArgs(os.Args[1:]); interpreter {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := runInterpreter(ctx, args); err != nil {
			log.G(ctx).WithError(err).Error("running program")
			os.Exit(1)
		}
		return
	}

	shim.Run(context.Background(), bfshim.NewManager(runtimeName))
}

func interpreterArgs(args []string) (bool, []string) {
	if len(args) > 0 && args[0] == bfshim.InterpreterArg {
		return true, args[1:]
	}
	return false, args
}

func runInterpreter(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected a single source file, got %d args: %w", len(args), errdefs.ErrInvalidArgument)
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	return bf.Run(ctx, string(source), os.Stdout)
}
