package bf

import (
	"fmt"
	"io"
)

func meaningful(c rune) bool {
	return c == '+' || c == '-' || c == '>' || c == '<' || c == '.' || c == '[' || c == ']'
}

// Strip drops every character which does not compile to anything.
func Strip(source string) string {
	var result []rune
	for _, c := range source {
		if meaningful(c) {
			result = append(result, c)
		}
	}
	return string(result)
}

// cursor is the read position shared by every nesting level of a compile.
type cursor struct {
	chars []rune
	pos   int
}

func (c *cursor) next() (rune, bool) {
	if c.pos >= len(c.chars) {
		return 0, false
	}
	r := c.chars[c.pos]
	c.pos++
	return r, true
}

// Compile turns source text into a program. It never fails: an unmatched '['
// takes the rest of the source as its body and an unmatched ']' ends
// compilation at that point.
func Compile(source string) Program {
	c := &cursor{chars: []rune(source)}
	return compile(c)
}

// CompileReader reads r to the end and compiles its contents.
func CompileReader(r io.Reader) (Program, error) {
	source, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}
	return Compile(string(source)), nil
}

// compile consumes characters up to and including the ']' closing the
// current level, or to the end of input.
func compile(c *cursor) Program {
	program := Program{}
	for {
		ch, ok := c.next()
		if !ok {
			return program
		}
		switch ch {
		case '>':
			program = append(program, Instruction{Op: MoveRight})
		case '<':
			program = append(program, Instruction{Op: MoveLeft})
		case '+':
			program = append(program, Instruction{Op: Increment})
		case '-':
			program = append(program, Instruction{Op: Decrement})
		case '.':
			program = append(program, Instruction{Op: Print})
		case '[':
			program = append(program, Instruction{Op: Loop, Body: compile(c)})
		case ']':
			return program
		}
	}
}
