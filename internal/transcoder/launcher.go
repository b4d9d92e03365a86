package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Process is a running transcoder as seen by the Supervisor.
type Process interface {
	Pid() int
	// Stdout is the binary data pipe. Closing it unblocks a pending read.
	Stdout() io.ReadCloser
	// Stderr is the diagnostic text pipe.
	Stderr() io.ReadCloser
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	// Wait blocks until the process exits and has been reaped. It returns
	// the exit code, -1 when the process was ended by a signal.
	Wait() (int, error)
}

// Launcher creates transcoder processes.
type Launcher interface {
	Launch(ctx context.Context, cfg Config) (Process, error)
}

// ExecLauncher runs cfg.Binary with the arguments from BuildArgs.
type ExecLauncher struct {
	// Args overrides BuildArgs when set.
	Args func(Config) []string
	// Env is appended to the inherited environment.
	Env []string
}

// Launch starts the process. The pipes are plain os.Pipe pairs rather than
// exec's StdoutPipe so that Wait never closes the read ends underneath the
// stream reader.
func (l ExecLauncher) Launch(ctx context.Context, cfg Config) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	build := l.Args
	if build == nil {
		build = BuildArgs
	}
	path, err := exec.LookPath(cfg.binary())
	if err != nil {
		return nil, err
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(path, build(cfg)...)
	cmd.Stdin = nil
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	startErr := cmd.Start()
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if startErr != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, startErr
	}
	return &execProcess{cmd: cmd, stdout: stdoutR, stderr: stderrR}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return code, err
	}
	if err != nil {
		return code, fmt.Errorf("wait: %w", err)
	}
	return code, nil
}
