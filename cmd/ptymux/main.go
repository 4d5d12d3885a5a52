package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/user/ptymux/internal/config"
)

const usage = `usage: ptymux <command> [flags]

commands:
  serve    run the session server
  attach   attach the terminal to a session
  events   follow the server event stream
  replay   play a session recording

Run "ptymux <command> --help" for a command's flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		// Commands that already reported their outcome return an exitError
		// carrying the exit code.
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitError{code: 2}
	}
	rest := args[1:]
	switch args[0] {
	case "serve":
		return runServe(ctx, rest, stdout)
	case "attach":
		return runAttach(ctx, rest, stdout, stderr)
	case "events":
		return runEvents(ctx, rest, stdout, stderr)
	case "replay":
		return runReplay(ctx, rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitError{code: 2}
	}
}

type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

// clientFlags are shared by the commands that talk to a running server.
// Unset values fall back to the server's config file.
type clientFlags struct {
	server     string
	token      string
	configPath string
	verbose    bool
}

func (f *clientFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.server, "server", "s", "", "server base URL (default from config listen address)")
	fs.StringVar(&f.token, "token", os.Getenv("PTYMUX_TOKEN"), "authentication token (default $PTYMUX_TOKEN or config)")
	fs.StringVar(&f.configPath, "config", config.Default().ConfigPath, "path to the server config file")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log connection details to stderr")
}

// resolve returns the server base URL and token.
func (f *clientFlags) resolve() (string, string, error) {
	server, token := f.server, f.token
	if server == "" || token == "" {
		cfg, err := config.LoadFile(f.configPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", "", err
		}
		if cfg == nil {
			cfg = config.Default()
		}
		if server == "" {
			server = "http://" + cfg.Listen
		}
		if token == "" {
			token = cfg.AuthToken()
		}
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", "", fmt.Errorf("invalid server URL %q: %w", server, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), token, nil
}

func (f *clientFlags) logger(stderr io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("ptymux "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
