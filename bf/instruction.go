package bf

import "strings"

// Op is the kind of an Instruction.
type Op rune

const (
	MoveRight Op = '>'
	MoveLeft  Op = '<'
	Increment Op = '+'
	Decrement Op = '-'
	Print     Op = '.'
	Loop      Op = '['
)

func (o Op) String() string {
	switch o {
	case MoveRight, MoveLeft, Increment, Decrement, Print, Loop:
		return string(rune(o))
	default:
		return "?"
	}
}

// Instruction is a single node of a compiled program. Body is only set for
// Loop and holds the instructions between the matching brackets.
type Instruction struct {
	Op   Op
	Body Program
}

// Program is an ordered sequence of instructions, the root of a compiled
// source file.
type Program []Instruction

// String renders the program back to source text. Compiling the result gives
// back an equal tree.
func (p Program) String() string {
	var sb strings.Builder
	p.write(&sb)
	return sb.String()
}

func (p Program) write(sb *strings.Builder) {
	for _, in := range p {
		if in.Op == Loop {
			sb.WriteByte('[')
			in.Body.write(sb)
			sb.WriteByte(']')
			continue
		}
		sb.WriteRune(rune(in.Op))
	}
}

// Len counts the instructions of the program, including those nested in
// loop bodies.
func (p Program) Len() int {
	n := len(p)
	for _, in := range p {
		if in.Op == Loop {
			n += in.Body.Len()
		}
	}
	return n
}
