package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"

	"github.com/MarcinKonowalczyk/bftree/bf"
)

// comptime override for debug flag
// set with `-ldflags="-X 'main.debug=true'"`
var debug string

const usage = "missing argument: filename\n"

// stdout is where both the usage message and program output go.
type stdout interface {
	io.Writer
	io.StringWriter
}

// cli runs the program named by the first argument and returns the exit
// status. Arguments after the first are ignored.
func cli(ctx context.Context, args []string, out stdout) int {
	if len(args) == 0 {
		io.WriteString(out, usage)
		return 1
	}
	filename := args[0]

	if debug != "" {
		if err := log.SetLevel("debug"); err != nil {
			log.G(ctx).WithError(err).Warn("enabling debug logging")
		}
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("file", filename))

	if err := run(ctx, filename, out); err != nil {
		log.G(ctx).WithError(err).Error("running program")
		return 1
	}
	return 0
}

func run(ctx context.Context, filename string, out io.StringWriter) error {
	source, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return bf.Run(ctx, string(source), out)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout)
	cancel()
	os.Exit(code)
}
