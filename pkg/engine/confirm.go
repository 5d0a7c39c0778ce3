package engine

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// ConsoleConfirmer prompts on Out and reads one line from In. Only "y" or
// "Y" count as yes; end of input counts as no.
type ConsoleConfirmer struct {
	mu      sync.Mutex
	out     io.Writer
	scanner *bufio.Scanner
}

func NewConsoleConfirmer(in io.Reader, out io.Writer) *ConsoleConfirmer {
	return &ConsoleConfirmer{out: out, scanner: bufio.NewScanner(in)}
}

func (c *ConsoleConfirmer) Confirm(prompt string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.out, "\n%s [y/N] ", prompt); err != nil {
		return false, err
	}
	if !c.scanner.Scan() {
		return false, c.scanner.Err()
	}
	answer := strings.TrimSpace(c.scanner.Text())
	return answer == "y" || answer == "Y", nil
}

// AlwaysYes confirms everything.
type AlwaysYes struct{}

func (AlwaysYes) Confirm(string) (bool, error) { return true, nil }
