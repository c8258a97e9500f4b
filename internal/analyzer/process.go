package analyzer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const killGrace = 3 * time.Second

// Run launches the analyzer subprocess for one job and blocks until it
// produces an agent_end event, times out, or exits. The caller's ctx
// governs cancellation (e.g. daemon shutdown); cfg.Timeout bounds how
// long a single analysis is allowed to run regardless of ctx.
func Run(ctx context.Context, cfg Config, req Request) (*Result, error) {
	ev, err := runProcess(ctx, cfg.BinaryPath, buildArgs(cfg), req.Prompt, cfg.Timeout)
	if err != nil {
		return nil, err
	}

	text := ev.lastAssistantText()
	p, err := extractPayload(text)
	if err != nil {
		return nil, err
	}

	return &Result{
		Classification: p.Classification,
		Content:        p.Content,
		Lessons:        p.Lessons,
		Observations:   p.Observations,
		Semantic:       p.Semantic,
		TokensUsed:     ev.Usage.TokensUsed,
		Cost:           ev.Usage.Cost,
	}, nil
}

// runProcess spawns binaryPath with args, writes stdin to its stdin pipe
// then closes it, and reads NDJSON events from stdout until an
// agent_end event arrives or the process ends. Exceeding timeout (or
// ctx being cancelled) kills the subprocess with an escalating
// SIGTERM-then-SIGKILL sequence rather than an immediate hard kill, so
// a well-behaved subprocess gets a chance to flush partial state.
func runProcess(ctx context.Context, binaryPath string, args []string, stdin string, timeout time.Duration) (*StreamEvent, error) {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stderr = os.Stderr

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ExitError{Cause: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ExitError{Cause: fmt.Errorf("stdout pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ExitError{Cause: fmt.Errorf("start: %w", err)}
	}

	go func() {
		_, _ = stdinPipe.Write([]byte(stdin))
		stdinPipe.Close()
	}()

	events := make(chan StreamEvent, 16)
	go readEvents(stdoutPipe, events)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// stdout closed without agent_end; fall through to Wait.
				events = nil
				continue
			}
			if ev.Type == "agent_end" {
				<-waitCh
				return &ev, nil
			}

		case werr := <-waitCh:
			if werr != nil {
				return nil, &ExitError{Cause: werr}
			}
			return nil, &ExitError{Cause: fmt.Errorf("subprocess exited before agent_end")}

		case <-timeoutCh:
			terminate(cmd, waitCh)
			return nil, &TimeoutError{Timeout: timeout.String()}

		case <-ctx.Done():
			terminate(cmd, waitCh)
			return nil, ctx.Err()
		}
	}
}

// terminate sends SIGTERM and gives the process killGrace to exit on
// its own before escalating to SIGKILL.
func terminate(cmd *exec.Cmd, waitCh <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
		<-waitCh
	}
}
