package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"conductor/pkg/proto"
)

// Terminal prompts for decisions on the controlling terminal: a numbered
// option list, empty reply takes the default. Construction is refused when
// stdin is not a TTY so headless runs fail fast instead of hanging on a read
// that will never complete.
type Terminal struct {
	out   io.Writer
	lines <-chan string
}

// NewTerminal builds a provider reading from stdin and writing to stdout.
func NewTerminal() (*Terminal, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("stdin is not a terminal; use -auto-approve for headless runs")
	}
	return newTerminal(os.Stdin, os.Stdout), nil
}

func newTerminal(in io.Reader, out io.Writer) *Terminal {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()
	return &Terminal{out: out, lines: lines}
}

// Present renders the decision point and blocks until the user picks an
// option, input closes, or ctx is cancelled.
func (t *Terminal) Present(ctx context.Context, sessionID string, phase proto.Phase, options []Option) (Selection, error) {
	def, err := defaultOption(options)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(t.out, "\n🛎️  Decision required: session %s at %s\n", sessionID, phase)
	for i, opt := range options {
		fmt.Fprintf(t.out, "  %d. %s - %s\n", i+1, opt.Value, opt.Label)
	}
	t.prompt("Choose [%s]: ", def.Value)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-t.lines:
			if !ok {
				return "", fmt.Errorf("input closed before a selection was made")
			}
			if line == "" {
				return def.Value, nil
			}
			if sel, ok := parseSelection(options, line); ok {
				return sel, nil
			}
			t.prompt("Please choose 1-%d: ", len(options))
		}
	}
}

func (t *Terminal) prompt(format string, args ...any) {
	fmt.Fprintf(t.out, format, args...)
	// Ensure the prompt is displayed before any background log messages.
	if f, ok := t.out.(*os.File); ok {
		_ = f.Sync()
	}
}

// parseSelection accepts the option number or its value, case-insensitively.
func parseSelection(options []Option, line string) (Selection, bool) {
	if n, err := strconv.Atoi(line); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1].Value, true
		}
		return "", false
	}
	for _, opt := range options {
		if strings.EqualFold(string(opt.Value), line) {
			return opt.Value, true
		}
	}
	return "", false
}
