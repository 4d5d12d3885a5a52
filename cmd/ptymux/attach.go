package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/user/ptymux/internal/session"
	"github.com/user/ptymux/internal/transport"
	"github.com/user/ptymux/internal/wire"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

func runAttach(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("attach", stderr)
	var cf clientFlags
	cf.register(fs)
	create := fs.BoolP("new", "n", false, "create a session running the remaining arguments, then attach")
	name := fs.String("name", "", "name for a new session")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: ptymux attach [flags] <session-id>\n       ptymux attach --new [flags] [-- command args...]\n\nDetach with Ctrl-].\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	base, token, err := cf.resolve()
	if err != nil {
		return err
	}
	api := newAPIClient(base, token)

	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)

	var id string
	switch {
	case *create:
		req := map[string]any{"name": *name}
		if fs.NArg() > 0 {
			req["command"] = shellquote.Join(fs.Args()...)
		}
		if cwd, err := os.Getwd(); err == nil {
			req["workDir"] = cwd
		}
		if interactive {
			if cols, rows, err := term.GetSize(stdinFd); err == nil {
				req["cols"], req["rows"] = cols, rows
			}
		}
		var info session.Info
		if err := api.do(ctx, http.MethodPost, "/api/sessions", req, &info); err != nil {
			return err
		}
		id = info.ID
		fmt.Fprintf(stderr, "created session %s\r\n", id)
	case fs.NArg() == 1:
		id = fs.Arg(0)
	default:
		fs.Usage()
		return exitError{code: 2}
	}

	conn, err := transport.New(transport.Options{
		URL:        base + "/ws",
		Token:      token,
		ClientName: "ptymux-attach",
		Logger:     cf.logger(stderr),
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Subscribe(id, wire.SubscribePayload{Flags: wire.FlagStdout | wire.FlagEvents}); err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		return err
	}

	if interactive {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
		if cols, rows, err := term.GetSize(stdinFd); err == nil {
			_ = conn.Resize(id, uint16(cols), uint16(rows))
		}
	}

	a := &attachment{id: id, conn: conn, api: api, stdout: stdout, stderr: stderr}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	detached := make(chan struct{})
	go a.pumpInput(ctx, os.Stdin, detached, interactive)

	var winch chan os.Signal
	if interactive {
		winch = make(chan os.Signal, 1)
		signal.Notify(winch, unix.SIGWINCH)
		defer signal.Stop(winch)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-detached:
			fmt.Fprintf(stderr, "\r\n[detached from %s]\r\n", id)
			if interactive {
				_ = conn.ResetSize(id)
			}
			return nil
		case <-winch:
			if cols, rows, err := term.GetSize(stdinFd); err == nil {
				_ = conn.Resize(id, uint16(cols), uint16(rows))
			}
		case event, ok := <-conn.Events():
			if !ok {
				return transport.ErrClosed
			}
			done, err := a.handle(ctx, event)
			if done || err != nil {
				return err
			}
		}
	}
}

type attachment struct {
	id     string
	conn   *transport.Conn
	api    *apiClient
	stdout io.Writer
	stderr io.Writer

	connectedBefore bool
	exitCode        *int
}

// handle reports whether the attachment is over. A session exit ends it
// with the session's exit code.
func (a *attachment) handle(ctx context.Context, event transport.Event) (bool, error) {
	switch event.Kind {
	case transport.EventState:
		switch event.State {
		case transport.Connected:
			if a.connectedBefore {
				// The restored subscription replays the screen from scratch.
				_, _ = io.WriteString(a.stdout, "\x1b[H\x1b[2J")
			}
			a.connectedBefore = true
		case transport.Disconnected:
			fmt.Fprintf(a.stderr, "\r\n[connection lost, reconnecting]\r\n")
		}

	case transport.EventFrame:
		if event.Frame.SessionID == a.id && event.Frame.Type == wire.TypeStdout {
			if _, err := a.stdout.Write(event.Frame.Payload); err != nil {
				return true, err
			}
		}

	case transport.EventServer:
		if event.Server.SessionID == a.id && event.Server.Kind == wire.EventSessionExited && event.Server.ExitCode != nil {
			code := *event.Server.ExitCode
			a.exitCode = &code
		}

	case transport.EventError:
		var serverErr *transport.ServerError
		if !errors.As(event.Err, &serverErr) {
			var authErr *transport.AuthError
			if errors.As(event.Err, &authErr) {
				return true, event.Err
			}
			return false, nil
		}
		if serverErr.SessionID != a.id {
			return false, nil
		}
		if serverErr.Message != "subscription ended" {
			return true, serverErr
		}
		return a.finish(ctx)
	}
	return false, nil
}

// finish reports how the session ended, asking the server when the exit
// event did not arrive first. A subscription dropped while the session is
// still live is renewed instead.
func (a *attachment) finish(ctx context.Context) (bool, error) {
	if a.exitCode == nil {
		var info session.Info
		if err := a.api.do(ctx, http.MethodGet, "/api/sessions/"+a.id, nil, &info); err == nil {
			if info.Live && info.Status != session.StatusExited {
				_, _ = io.WriteString(a.stdout, "\x1b[H\x1b[2J")
				return false, a.conn.Subscribe(a.id, wire.SubscribePayload{Flags: wire.FlagStdout | wire.FlagEvents})
			}
			a.exitCode = info.ExitCode
		}
	}
	if a.exitCode == nil {
		fmt.Fprintf(a.stderr, "\r\n[session %s ended]\r\n", a.id)
		return true, nil
	}
	fmt.Fprintf(a.stderr, "\r\n[session %s exited with code %d]\r\n", a.id, *a.exitCode)
	if *a.exitCode != 0 {
		return true, exitError{code: *a.exitCode}
	}
	return true, nil
}

// pumpInput forwards keystrokes until the detach key. End of input also
// detaches a terminal; piped input just stops and the attachment lasts
// until the session ends.
func (a *attachment) pumpInput(ctx context.Context, r io.Reader, detached chan<- struct{}, eofDetaches bool) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			at := bytes.IndexByte(data, detachKey)
			if at >= 0 {
				data = data[:at]
			}
			if len(data) > 0 {
				if sendErr := a.conn.SendText(a.id, string(data)); sendErr != nil {
					return
				}
			}
			if at >= 0 {
				close(detached)
				return
			}
		}
		if err != nil || ctx.Err() != nil {
			if eofDetaches {
				close(detached)
			}
			return
		}
	}
}
