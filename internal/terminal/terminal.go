// Package terminal spawns and drives the shell processes behind sessions.
// The broker only sees the Spawner/Process interfaces; the pty plumbing
// stays here.
package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const outputChunkSize = 32 * 1024

// Process is a running terminal. Output delivers chunks in the order the
// process produced them; the channel closes when the process exits.
type Process interface {
	Write(data []byte) error
	Resize(cols, rows uint16) error
	Output() <-chan []byte
	Close() error
}

// Spawner starts terminal processes. Implemented by PTYSpawner in production
// and by fakes in tests.
type Spawner interface {
	Spawn(workingDirectory string, environment map[string]string) (Process, error)
}

type PTYSpawner struct {
	// Shell overrides $SHELL; falls back to /bin/sh.
	Shell string
}

func (s *PTYSpawner) shell() string {
	if s.Shell != "" {
		return s.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func (s *PTYSpawner) Spawn(workingDirectory string, environment map[string]string) (Process, error) {
	cmd := exec.Command(s.shell())
	cmd.Dir = workingDirectory
	cmd.Env = os.Environ()
	for k, v := range environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawn terminal: %w", err)
	}

	p := &ptyProcess{
		f:      f,
		cmd:    cmd,
		output: make(chan []byte, 64),
	}
	go p.pump()
	return p, nil
}

type ptyProcess struct {
	f      *os.File
	cmd    *exec.Cmd
	output chan []byte

	mu     sync.Mutex
	closed bool
}

// pump reads the pty until EOF. Each chunk is copied before sending because
// the read buffer is reused.
func (p *ptyProcess) pump() {
	defer close(p.output)
	defer p.reap()
	buf := make([]byte, outputChunkSize)
	for {
		n, err := p.f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (p *ptyProcess) reap() {
	_ = p.cmd.Wait()
}

func (p *ptyProcess) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("terminal closed")
	}
	_, err := p.f.Write(data)
	return err
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Output() <-chan []byte { return p.output }

func (p *ptyProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.f.Close()
}
