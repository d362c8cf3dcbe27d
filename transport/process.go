package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// reapTimeout is how long Close waits for a spawned child to exit after its
// stdin is closed before killing it.
var reapTimeout = 2 * time.Second

// procRWC speaks to a child process over its stdin/stdout.
type procRWC struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out io.ReadCloser
}

func (p *procRWC) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *procRWC) Write(b []byte) (int, error) { return p.in.Write(b) }

// Close closes the child's stdin, which a well-behaved child treats as
// shutdown, and reaps it. A child still running after reapTimeout is killed.
func (p *procRWC) Close() error {
	err := p.in.Close()
	// Wait must not run while a Read is blocked on stdout.
	p.out.Close()

	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()
	var werr error
	select {
	case werr = <-exited:
	case <-time.After(reapTimeout):
		p.cmd.Process.Kill()
		werr = <-exited
	}
	var exitErr *exec.ExitError
	if werr != nil && !errors.As(werr, &exitErr) {
		err = errors.Join(err, werr)
	}
	return err
}

// Spawn starts cmd and returns a transport over its stdin/stdout. cmd.Stderr
// is left to the caller. The child lives until the transport is closed.
func Spawn(cmd *exec.Cmd, opts ...Option) (Transport, error) {
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: start %s: %w", cmd.Path, err)
	}
	return buildOptions(opts).wrap(&procRWC{cmd: cmd, in: in, out: out}, fmt.Sprintf("pid:%d", cmd.Process.Pid)), nil
}

// SpawnDialer returns a Dialer that starts a fresh process from newCmd each
// time. The dial ctx only gates the start; it is not tied to the child's
// lifetime, so newCmd should not use exec.CommandContext with a short-lived ctx.
func SpawnDialer(newCmd func() *exec.Cmd, opts ...Option) Dialer {
	return func(ctx context.Context) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Spawn(newCmd(), opts...)
	}
}

type stdio struct{}

func (stdio) Read(b []byte) (int, error)  { return os.Stdin.Read(b) }
func (stdio) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (stdio) Close() error                { return errors.Join(os.Stdout.Close(), os.Stdin.Close()) }

// Stdio is the child side of Spawn: this process's stdin/stdout.
func Stdio(opts ...Option) Transport {
	return buildOptions(opts).wrap(stdio{}, "stdio")
}
