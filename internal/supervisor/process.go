// internal/supervisor/process.go
package supervisor

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rankforge/sentinel/internal/logbuf"
	"github.com/rankforge/sentinel/internal/registry"
)

// Process is the supervisor's handle on a spawned OS process. The lifecycle
// manager owns it exclusively; a fake implementation backs the unit tests.
type Process interface {
	// PID returns the OS process id, or 0 if unknown.
	PID() int
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill force-terminates the process.
	Kill() error
	// Done is closed when the process has exited and its output is drained.
	Done() <-chan struct{}
	// ExitCode returns the exit code once Done is closed; -1 if unknown.
	ExitCode() int
}

// LineHandler receives each line a managed process emits, in emission order
// per stream.
type LineHandler func(stream logbuf.Stream, text string)

// Spawner launches the external command of a service definition and wires
// its output streams to the handler.
type Spawner func(spec registry.LaunchSpec, onLine LineHandler) (Process, error)

// maxLineBytes bounds a single scanned output line so a service emitting
// unbroken output cannot grow memory without bound.
const maxLineBytes = 1 << 20

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
}

// OSSpawner returns the production spawner backed by os/exec. Output
// draining runs on its own goroutines per stream so OS pipe buffers never
// back up while the supervisor is busy elsewhere.
func OSSpawner() Spawner {
	return func(spec registry.LaunchSpec, onLine LineHandler) (Process, error) {
		cmd := exec.Command(spec.Command, spec.Args...)
		cmd.Dir = spec.Dir
		if len(spec.Env) > 0 {
			cmd.Env = append(cmd.Environ(), spec.Env...)
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, err
		}

		if err := cmd.Start(); err != nil {
			return nil, err
		}

		p := &osProcess{
			cmd:  cmd,
			done: make(chan struct{}),
			code: -1,
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go drainLines(stdout, logbuf.Stdout, onLine, &wg)
		go drainLines(stderr, logbuf.Stderr, onLine, &wg)

		go func() {
			// Output must be fully drained before Wait closes the pipes.
			wg.Wait()
			err := cmd.Wait()

			p.mu.Lock()
			if cmd.ProcessState != nil {
				p.code = cmd.ProcessState.ExitCode()
			} else if err != nil {
				p.code = -1
			}
			p.mu.Unlock()
			close(p.done)
		}()

		return p, nil
	}
}

func drainLines(r io.Reader, stream logbuf.Stream, onLine LineHandler, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		onLine(stream, scanner.Text())
	}
}

func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

func (p *osProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}
