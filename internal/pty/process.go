package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
)

const (
	DefaultCols uint16 = 120
	DefaultRows uint16 = 30
)

// SpawnError reports that the child process could not be started. No PTY
// was registered when it is returned.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	if len(e.Argv) == 0 {
		return fmt.Sprintf("pty spawn failed: %v", e.Err)
	}
	return fmt.Sprintf("pty spawn %q failed: %v", e.Argv[0], e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// process wraps a child process running inside a PTY.
type process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	cols   uint16
	rows   uint16
	exited bool

	closeOnce sync.Once
}

// startProcess spawns argv inside a new PTY of the given size.
func startProcess(argv []string, workDir string, env []string, cols, rows uint16) (*process, error) {
	if len(argv) == 0 {
		return nil, &SpawnError{Err: errors.New("argv must not be empty")}
	}
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, env...)

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil, &SpawnError{Argv: argv, Err: err}
	}

	return &process{
		cmd:  cmd,
		ptmx: ptmx,
		cols: cols,
		rows: rows,
	}, nil
}

func (p *process) pid() int { return p.cmd.Process.Pid }

func (p *process) size() (uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Read reads PTY output.
func (p *process) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// Write sends data to the child's stdin.
func (p *process) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return 0, errors.New("pty: process has exited")
	}
	return p.ptmx.Write(data)
}

// Resize changes the PTY window size.
func (p *process) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("pty: invalid size %dx%d", cols, rows)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return errors.New("pty: process has exited")
	}
	if err := creackpty.Setsize(p.ptmx, &creackpty.Winsize{
		Cols: cols,
		Rows: rows,
	}); err != nil {
		return err
	}

	p.cols = cols
	p.rows = rows
	return nil
}

// Signal delivers sig to the child.
func (p *process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return errors.New("pty: process has exited")
	}
	return p.cmd.Process.Signal(sig)
}

// wait blocks until the child exits and returns its exit code. A child
// killed by a signal reports 128+signal, as shells do.
func (p *process) wait() int {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// close releases the PTY master. Safe to call more than once.
func (p *process) close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.ptmx.Close()
	})
	return err
}
