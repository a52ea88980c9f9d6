// Package ptyio wraps a child process in a pseudo-terminal and exposes a
// non-blocking, goroutine-backed read/write bridge to it (spec §4.A).
package ptyio

import (
	"errors"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Winsize is a terminal size in character cells.
type Winsize struct {
	Rows uint16
	Cols uint16
}

// Pty owns a PTY master paired with a spawned child process.
type Pty struct {
	master  *os.File
	cmd     *exec.Cmd
	running atomic.Bool
}

// Spawn starts command (argv[0] plus args) attached to a new PTY sized to
// rows/cols. A zero rows/cols falls back to 24x80, matching the original's
// default when no terminal size could be detected.
func Spawn(command []string, rows, cols uint16) (*Pty, error) {
	if len(command) == 0 {
		return nil, errors.New("ptyio: command cannot be empty")
	}
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	cmd := exec.Command(command[0], command[1:]...)
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		master.Close()
		return nil, err
	}

	p := &Pty{master: master, cmd: cmd}
	p.running.Store(true)
	return p, nil
}

// MasterFd returns the PTY master file descriptor, for ioctl resize calls.
func (p *Pty) MasterFd() int { return int(p.master.Fd()) }

// ChildPID returns the spawned child's process id.
func (p *Pty) ChildPID() int { return p.cmd.Process.Pid }

// IsRunning reports whether the child is believed to still be alive.
func (p *Pty) IsRunning() bool { return p.running.Load() }

// Resize sets the PTY's terminal size.
func (p *Pty) Resize(rows, cols uint16) error {
	return pty.Setsize(p.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// WriteData writes data to the PTY master, returning 0 (not an error) on
// EAGAIN since the master is non-blocking.
func (p *Pty) WriteData(data []byte) (int, error) {
	n, err := p.master.Write(data)
	if errors.Is(err, syscall.EAGAIN) {
		return 0, nil
	}
	return n, err
}

// ReadData reads from the PTY master into buf. EAGAIN yields (0, nil); EIO
// (child closed its end) marks the PTY not-running and also yields (0, nil).
func (p *Pty) ReadData(buf []byte) (int, error) {
	n, err := p.master.Read(buf)
	if errors.Is(err, syscall.EAGAIN) {
		return 0, nil
	}
	if errors.Is(err, syscall.EIO) {
		p.running.Store(false)
		return 0, nil
	}
	return n, err
}

// CheckChild polls the child's exit status without blocking. It returns
// (exitCode, true) once the child has exited, or (0, false) while still
// alive.
func (p *Pty) CheckChild() (int, bool) {
	if p.cmd.ProcessState != nil {
		p.running.Store(false)
		return p.cmd.ProcessState.ExitCode(), true
	}

	var status unix.WaitStatus
	pid, err := unix.Wait4(p.ChildPID(), &status, unix.WNOHANG, nil)
	if err != nil {
		p.running.Store(false)
		return -1, true
	}
	if pid == 0 {
		return 0, false
	}

	p.running.Store(false)
	if status.Exited() {
		return status.ExitStatus(), true
	}
	if status.Signaled() {
		return 128 + int(status.Signal()), true
	}
	return 0, true
}

// Signal sends sig to the child process.
func (p *Pty) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Close releases the PTY master and, if the child is still running, sends
// it SIGTERM — mirroring the original's Drop impl.
func (p *Pty) Close() error {
	if p.IsRunning() {
		_ = p.Signal(syscall.SIGTERM)
	}
	return p.master.Close()
}

// AsyncPty bridges a Pty to buffered channels via dedicated reader/writer
// goroutines, since PTY I/O is blocking-ish even in non-blocking mode and
// needs polling rather than a select-driven readiness model.
type AsyncPty struct {
	pty     *Pty
	output  chan []byte
	input   chan []byte
	done    chan struct{}
	running atomic.Bool
}

// NewAsyncPty wraps pty and starts its reader/writer goroutines.
func NewAsyncPty(p *Pty) *AsyncPty {
	a := &AsyncPty{
		pty:    p,
		output: make(chan []byte, 64),
		input:  make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	a.running.Store(true)

	go a.readerLoop()
	go a.writerLoop()

	return a
}

func (a *AsyncPty) readerLoop() {
	buf := make([]byte, 4096)
	for a.running.Load() {
		n, err := a.pty.ReadData(buf)
		if err != nil {
			a.running.Store(false)
			break
		}
		if n == 0 {
			if !a.pty.IsRunning() {
				a.running.Store(false)
				break
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		select {
		case a.output <- chunk:
		case <-a.done:
			return
		}
	}
}

func (a *AsyncPty) writerLoop() {
	for {
		select {
		case data, ok := <-a.input:
			if !ok {
				return
			}
			if !a.running.Load() {
				return
			}
			written := 0
			for written < len(data) {
				n, err := a.pty.WriteData(data[written:])
				if err != nil {
					break
				}
				if n == 0 {
					time.Sleep(time.Millisecond)
					continue
				}
				written += n
			}
		case <-a.done:
			return
		}
	}
}

// OutputChan exposes the reader goroutine's output channel directly, for
// callers (the supervisor loop) that need to select on it alongside other
// event sources rather than block in Recv.
func (a *AsyncPty) OutputChan() <-chan []byte { return a.output }

// Recv returns the next chunk of child output, or nil if the bridge has
// shut down.
func (a *AsyncPty) Recv() []byte {
	select {
	case chunk, ok := <-a.output:
		if !ok {
			return nil
		}
		return chunk
	case <-a.done:
		return nil
	}
}

// Send queues data for writing to the child.
func (a *AsyncPty) Send(data []byte) error {
	select {
	case a.input <- data:
		return nil
	case <-a.done:
		return errors.New("ptyio: bridge closed")
	}
}

// IsRunning reports whether the child is believed to still be alive.
func (a *AsyncPty) IsRunning() bool { return a.pty.IsRunning() }

// Resize sets the PTY's terminal size.
func (a *AsyncPty) Resize(rows, cols uint16) error { return a.pty.Resize(rows, cols) }

// Signal sends sig to the child process.
func (a *AsyncPty) Signal(sig syscall.Signal) error { return a.pty.Signal(sig) }

// Shutdown sends SIGTERM, waits up to 2s for the child to exit, escalates to
// SIGKILL, and reaps it. Safe to call more than once.
func (a *AsyncPty) Shutdown() error {
	a.running.Store(false)
	select {
	case <-a.done:
		return nil
	default:
		close(a.done)
	}

	_ = a.pty.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(2 * time.Second)
	reaped := false
	for time.Now().Before(deadline) {
		if _, exited := a.pty.CheckChild(); exited {
			reaped = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if !reaped {
		_ = a.pty.Signal(syscall.SIGKILL)
		var status unix.WaitStatus
		_, _ = unix.Wait4(a.pty.ChildPID(), &status, 0, nil)
	}

	return a.pty.master.Close()
}
