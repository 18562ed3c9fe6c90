package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/localagent/localagent/pkg/agentloop"
	"github.com/localagent/localagent/pkg/gate"
)

// consoleApprover resolves interrupt-mode approval requests by prompting
// the operator on stdin/stdout. In fail and auto approval modes the Gate
// never produces a RequireApproval outcome the loop needs to resolve, so
// Resolve is never invoked outside ModeInterrupt.
type consoleApprover struct {
	mode   string
	reader *bufio.Reader
}

func newConsoleApprover(mode string) agentloop.ApprovalResolver {
	return &consoleApprover{mode: mode, reader: bufio.NewReader(os.Stdin)}
}

func (c *consoleApprover) Resolve(ctx context.Context, req agentloop.ApprovalRequest) (agentloop.ApprovalResponse, error) {
	if c.mode == string(gate.ModeFail) || c.mode == string(gate.ModeAuto) {
		// Defensive: the Gate resolves these modes itself and never
		// interrupts, but fail closed if that invariant ever changes.
		return agentloop.ApprovalResponse{Granted: false}, nil
	}

	fmt.Printf("\n[%s] %s\n  tool: %s\n  args: %v\ngrant this call? [y/N/always]: ", req.RunID, req.Prompt, req.Tool, req.Args)

	select {
	case <-ctx.Done():
		return agentloop.ApprovalResponse{Granted: false}, ctx.Err()
	default:
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return agentloop.ApprovalResponse{Granted: false}, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))

	switch answer {
	case "y", "yes":
		return agentloop.ApprovalResponse{Granted: true, MaxUses: 1}, nil
	case "always":
		return agentloop.ApprovalResponse{Granted: true, TTL: 24 * time.Hour}, nil
	default:
		return agentloop.ApprovalResponse{Granted: false}, nil
	}
}
