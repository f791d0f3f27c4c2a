package bf

import (
	"context"
	"io"

	"github.com/containerd/log"
)

// Run compiles source and executes it on a fresh machine.
func Run(ctx context.Context, source string, output io.StringWriter) error {
	program := Compile(source)
	log.G(ctx).WithField("instructions", program.Len()).Debug("compiled program")
	return NewMachine(output).RunContext(ctx, program)
}
