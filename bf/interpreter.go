package bf

import (
	"context"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// TapeLength is the number of cells of a machine's tape.
const TapeLength = 30_000

// Machine holds the tape and pointer a program runs against. Print writes to
// Output, which may be nil to discard output.
type Machine struct {
	tape   []uint8
	ptr    int
	steps  uint64
	Output io.StringWriter
}

func NewMachine(output io.StringWriter) *Machine {
	return &Machine{
		tape:   make([]uint8, TapeLength),
		ptr:    0,
		Output: output,
	}
}

func (m *Machine) Reset() {
	m.ptr = 0
	m.steps = 0
	for j := range m.tape {
		m.tape[j] = 0
	}
}

// At returns the value of cell j.
func (m *Machine) At(j int) uint8 {
	return m.tape[j]
}

func (m *Machine) Pointer() int {
	return m.ptr
}

// Steps is the number of instructions executed since the machine was
// created or last reset.
func (m *Machine) Steps() uint64 {
	return m.steps
}

// cell returns the cell under the pointer. The pointer itself may wander off
// the tape; only touching a cell there is an error.
func (m *Machine) cell() (*uint8, error) {
	if m.ptr < 0 || m.ptr >= len(m.tape) {
		return nil, fmt.Errorf("pointer %d outside tape of %d cells: %w", m.ptr, len(m.tape), errdefs.ErrOutOfRange)
	}
	return &m.tape[m.ptr], nil
}

type frame struct {
	body Program
	pc   int
	loop bool
}

// Run executes program on the machine's current state.
func (m *Machine) Run(program Program) error {
	return m.RunContext(context.Background(), program)
}

// RunContext executes program until it finishes, fails or ctx is done. Loop
// bodies are walked with an explicit stack of frames, so nesting depth does
// not grow the goroutine stack.
func (m *Machine) RunContext(ctx context.Context, program Program) error {
	stack := []frame{{body: program}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		top := &stack[len(stack)-1]
		if top.pc == len(top.body) {
			if top.loop {
				c, err := m.cell()
				if err != nil {
					return err
				}
				if *c != 0 {
					top.pc = 0
					continue
				}
			}
			stack = stack[:len(stack)-1]
			continue
		}

		in := top.body[top.pc]
		top.pc++
		m.steps++

		switch in.Op {
		case MoveRight:
			m.ptr++
		case MoveLeft:
			m.ptr--
		case Increment:
			c, err := m.cell()
			if err != nil {
				return err
			}
			if *c == 255 {
				*c = 0
			} else {
				*c++
			}
		case Decrement:
			c, err := m.cell()
			if err != nil {
				return err
			}
			if *c == 0 {
				*c = 255
			} else {
				*c--
			}
		case Print:
			c, err := m.cell()
			if err != nil {
				return err
			}
			if m.Output != nil {
				// the cell is a code point, not a raw byte
				if _, err := m.Output.WriteString(string(rune(*c))); err != nil {
					return fmt.Errorf("writing output: %w", err)
				}
			}
		case Loop:
			c, err := m.cell()
			if err != nil {
				return err
			}
			if *c != 0 {
				stack = append(stack, frame{body: in.Body, loop: true})
			}
		default:
			return fmt.Errorf("unknown instruction %q: %w", rune(in.Op), errdefs.ErrInvalidArgument)
		}
	}

	log.G(ctx).WithField("steps", m.steps).WithField("pointer", m.ptr).Debug("program finished")
	return nil
}
