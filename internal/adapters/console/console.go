// Package console feeds operator commands from a terminal and prints
// notifications back to it.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"bracketBot/internal/ports"
)

// DefaultProvider is used for lines without a "provider:" prefix.
const DefaultProvider = "console"

// Source reads one command per line. A line may name its provider as
// "whales: long btc sl 39000"; blank lines and lines starting with # are
// skipped.
type Source struct {
	in     io.Reader
	logger ports.Logger
}

// NewSource creates a source reading from in.
func NewSource(in io.Reader, logger ports.Logger) *Source {
	return &Source{in: in, logger: logger}
}

// Run implements ports.SignalSource. It returns when ctx is canceled or the
// input ends.
func (s *Source) Run(ctx context.Context, handle func(ctx context.Context, provider, text string)) error {
	op := "console.Run"
	lines := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	s.logger.Info(ctx, op+": Reading commands from console")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				var err error
				select {
				case err = <-errCh:
				default:
				}
				if err != nil {
					return fmt.Errorf("%s failed: %w", op, err)
				}
				s.logger.Info(ctx, op+": Console input closed")
				return nil
			}
			provider, text, ok := splitLine(line)
			if !ok {
				continue
			}
			handle(ctx, provider, text)
		}
	}
}

// splitLine separates an optional provider prefix from the command text.
func splitLine(line string) (provider, text string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	if name, rest, found := strings.Cut(line, ":"); found && name != "" && !strings.ContainsAny(name, " \t") {
		return strings.ToLower(name), strings.TrimSpace(rest), strings.TrimSpace(rest) != ""
	}
	return DefaultProvider, line, true
}

// Notifier writes notifications to out, one timestamped block per message.
type Notifier struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewNotifier creates a notifier writing to out.
func NewNotifier(out io.Writer) *Notifier {
	return &Notifier{out: out, now: time.Now}
}

// Notify implements ports.Notifier.
func (n *Notifier) Notify(ctx context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := fmt.Fprintf(n.out, "%s %s\n", n.now().Format("15:04:05"), msg)
	return err
}
