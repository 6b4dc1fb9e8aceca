// Package spawn wraps subprocess lifecycle for both the Stdio Proxy and the
// Stress Runner: tokenizing a target-command string and starting it with its
// stdio streams exposed for line-pumping.
package spawn

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/neilt93/mcp-chaos/internal/domain"
)

// Runner abstracts process creation so proxy/stress tests can substitute a
// fake tool server, grounded on the injectable-runner seam used for target
// execution in the pack's executor implementations.
type Runner interface {
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// Process is a running subprocess's stdio surface plus its termination
// handle.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Wait() error
	Kill() error
}

// OSRunner spawns real OS processes via exec.CommandContext.
type OSRunner struct{}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *osProcess) Stdin() io.WriteCloser  { return p.stdin }
func (p *osProcess) Stdout() io.ReadCloser  { return p.stdout }
func (p *osProcess) Wait() error            { return p.cmd.Wait() }
func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (OSRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", domain.ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}
	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Start tokenizes targetCommand and spawns it with runner, defaulting to
// OSRunner when runner is nil. The first token is the executable, the rest
// its arguments (spec.md §9).
func Start(ctx context.Context, runner Runner, targetCommand string) (Process, error) {
	if runner == nil {
		runner = OSRunner{}
	}
	tokens := Tokenize(targetCommand)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty target command", domain.ErrSpawnFailed)
	}
	return runner.Start(ctx, tokens[0], tokens[1:]...)
}
