package chatui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/embedchat/pkg/connection"
	"github.com/go-go-golems/embedchat/pkg/session"
	"github.com/go-go-golems/embedchat/pkg/transport"
)

// LineRenderer writes snapshots as an append-only log: status changes, a
// restored history once, and the open assistant message as it streams.
type LineRenderer struct {
	out io.Writer

	status  connection.Status
	openID  string
	printed int
	started bool
}

func NewLineRenderer(out io.Writer) *LineRenderer {
	return &LineRenderer{out: out}
}

func (r *LineRenderer) Render(snap session.Snapshot) {
	if snap.Status != "" && snap.Status != r.status {
		r.breakLine()
		fmt.Fprintf(r.out, "[%s]\n", snap.Status)
		r.status = snap.Status
	}

	if !r.started && snap.OpenID == "" && len(snap.Messages) > 0 {
		fmt.Fprintf(r.out, "[restored %d messages from %s]\n", len(snap.Messages), snap.ConversationID)
		for _, m := range snap.Messages {
			fmt.Fprintf(r.out, "%s> %s\n", m.Role, m.Content)
		}
		r.started = true
	}

	if snap.OpenID != r.openID {
		r.breakLine()
		if snap.OpenID != "" {
			fmt.Fprint(r.out, "assistant> ")
			r.started = true
		}
		r.openID = snap.OpenID
		r.printed = 0
	}
	if r.openID == "" {
		return
	}
	for _, m := range snap.Messages {
		if m.ID != r.openID {
			continue
		}
		if len(m.Content) > r.printed {
			fmt.Fprint(r.out, m.Content[r.printed:])
			r.printed = len(m.Content)
		}
		return
	}
}

func (r *LineRenderer) breakLine() {
	if r.openID != "" {
		fmt.Fprintln(r.out)
		r.openID = ""
		r.printed = 0
	}
}

// MarkStarted suppresses the restored-history dump, e.g. once the user typed.
func (r *LineRenderer) MarkStarted() { r.started = true }

// RunLines is the non-interactive front end: each input line is submitted,
// "/new" starts a new chat and "/quit" or EOF exits.
func RunLines(ctx context.Context, in io.Reader, out io.Writer, ctrl Controller, bridge *Bridge) error {
	renderer := NewLineRenderer(out)

	// The reader is not tied to ctx: a blocked Scan only returns on input or
	// EOF, so it is left to finish on its own.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-bridge.Updates():
			if snap, ok := bridge.Latest(); ok {
				renderer.Render(snap)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := handleLine(ctrl, renderer, out, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleLine(ctrl Controller, renderer *LineRenderer, out io.Writer, line string) error {
	text := strings.TrimSpace(line)
	switch text {
	case "":
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/new":
		if err := ctrl.NewChat(); err != nil {
			fmt.Fprintf(out, "[new chat failed: %v]\n", err)
		} else {
			fmt.Fprintln(out, "[new chat]")
		}
		return nil
	}
	renderer.MarkStarted()
	err := ctrl.Submit(line)
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		fmt.Fprintln(out, "[not connected: message kept locally, send it again once connected]")
	case errors.Is(err, session.ErrStopped):
		return err
	case err != nil:
		fmt.Fprintf(out, "[not sent: %v]\n", err)
	}
	return nil
}
