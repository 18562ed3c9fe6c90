// Command localagent drives one bounded agent run against a local model
// provider: it loads the on-disk trust state (policy, approvals, audit
// log), wires the tool registry and optional MCP servers, and runs the
// AgentLoop to completion or to its first terminal exit reason.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/localagent/localagent/pkg/agentloop"
	"github.com/localagent/localagent/pkg/approval"
	"github.com/localagent/localagent/pkg/audit"
	"github.com/localagent/localagent/pkg/config"
	"github.com/localagent/localagent/pkg/conversation"
	"github.com/localagent/localagent/pkg/gate"
	"github.com/localagent/localagent/pkg/logging"
	"github.com/localagent/localagent/pkg/mcp"
	"github.com/localagent/localagent/pkg/model"
	"github.com/localagent/localagent/pkg/policy"
	"github.com/localagent/localagent/pkg/runrecord"
	"github.com/localagent/localagent/pkg/sandbox"
	"github.com/localagent/localagent/pkg/telemetry"
	"github.com/localagent/localagent/pkg/tool"
	"gopkg.in/yaml.v3"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// cliOptions mirrors the semantic flags the AgentLoop actually needs;
// everything else (chat UI, /learn, session resumption) lives outside
// this binary's scope.
type cliOptions struct {
	workDir       string
	stateDir      string
	prompt        string
	promptFile    string
	model         string
	trustMode     string
	approvalMode  string
	autoScope     string
	enableWrite   bool
	allowWrite    bool
	allowShell    bool
	unsafe        bool
	mcpPin        string
	maxTurns      int
	maxToolCalls  int
	wallClock     time.Duration
	showVersion   bool
}

func parseFlags(args []string) (*cliOptions, error) {
	fs := flag.NewFlagSet("localagent", flag.ContinueOnError)
	opts := &cliOptions{}
	fs.StringVar(&opts.workDir, "workdir", ".", "workspace root the agent operates within")
	fs.StringVar(&opts.stateDir, "state-dir", "", "override the state directory (default .localagent under workdir)")
	fs.StringVar(&opts.prompt, "prompt", "", "the user goal to run the agent against")
	fs.StringVar(&opts.promptFile, "prompt-file", "", "read the goal from a file instead of -prompt")
	fs.StringVar(&opts.model, "model", "", "override the configured model id")
	fs.StringVar(&opts.trustMode, "trust-mode", "", "off|auto|on (default from config)")
	fs.StringVar(&opts.approvalMode, "approval-mode", "", "interrupt|fail|auto (default from config)")
	fs.StringVar(&opts.autoScope, "auto-approve-scope", "", "run|session (default from config)")
	fs.BoolVar(&opts.enableWrite, "enable-write-tools", false, "register write_file and apply_patch")
	fs.BoolVar(&opts.allowWrite, "allow-write", false, "alias for -enable-write-tools")
	fs.BoolVar(&opts.allowShell, "allow-shell", false, "register the shell tool")
	fs.BoolVar(&opts.unsafe, "unsafe", false, "disable output and file size caps and per-tool timeouts, and allow network commands in the shell sandbox")
	fs.StringVar(&opts.mcpPin, "mcp-pin-enforcement", "", "hard|warn|off (default from config)")
	fs.IntVar(&opts.maxTurns, "max-turns", 0, "override budgets.max_turns")
	fs.IntVar(&opts.maxToolCalls, "max-tool-calls", 0, "override budgets.max_tool_calls")
	fs.DurationVar(&opts.wallClock, "wall-clock-deadline", 0, "override budgets.wall_clock_deadline")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("localagent %s (%s)\n", version, commit)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "localagent: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *cliOptions) error {
	workDir, err := filepath.Abs(opts.workDir)
	if err != nil {
		return fmt.Errorf("resolve workdir: %w", err)
	}

	goal, err := resolveGoal(opts)
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig(workDir)
	if opts.stateDir != "" {
		cfg.StateDir = opts.stateDir
	}
	applyFlagOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	paths := cfg.Paths()
	if err := paths.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare state dir: %w", err)
	}

	runID := runrecord.NewRunID()

	logger, err := logging.NewLogger(paths.Root, runID)
	if err != nil {
		return fmt.Errorf("open logger: %w", err)
	}
	defer logger.Close()

	policyStore, err := loadPolicy(paths.PolicyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	approvals, err := approval.Open(paths.ApprovalsFile)
	if err != nil {
		return fmt.Errorf("open approvals store: %w", err)
	}

	auditLog, err := audit.Open(paths.AuditFile, runID)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	if cfg.Approval.TrustMode == config.TrustModeOff {
		cfg.Approval.Mode = string(gate.ModeFail)
	}
	toolGate := gate.New(gate.Config{
		Policy:           policyStore,
		Approvals:        approvals,
		AuditLog:         auditLog,
		Mode:             gate.Mode(cfg.Approval.Mode),
		AutoApproveScope: gate.AutoApproveScope(cfg.Approval.AutoApproveScope),
		WorkdirRoot:      workDir,
	})

	registry := buildRegistry(cfg, workDir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mcpCatalogHash := ""
	if cfg.MCP.Enabled {
		manager, mcpErr := mcp.ManagerFromConfig(ctx, cfg.MCP)
		if manager != nil {
			mcpCatalogHash = manager.CatalogHash()
			mcp.RegisterMCPTools(manager, func(name string, t any) {
				if tl, ok := t.(tool.Tool); ok {
					registry.Register(tl)
				}
			})
			defer manager.Close()
		}
		if mcpErr != nil {
			if drift, ok := mcpErr.(*mcp.DriftError); ok && mcp.PinMode(cfg.MCP.PinEnforcement) == mcp.PinHard {
				return fmt.Errorf("mcp catalog drift (expected %s, got %s): refusing to start under hard pin enforcement", drift.Expected, drift.Actual)
			}
			logger.Warn(logging.CategorySession, "mcp_connect_degraded", mcpErr.Error(), nil)
		}
	}

	hub := telemetry.NewHub()
	defer hub.Close()

	runsWriter := runrecord.NewWriter(paths.RunsDir)

	provider, err := buildProvider(cfg, goal)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	loop := agentloop.New(agentloop.Config{
		Provider:     provider,
		SystemPrompt: defaultSystemPrompt,
		Registry:     registry,
		Gate:         toolGate,
		AuditLog:     auditLog,
		EventSink:    hub,
		Approvals:    newConsoleApprover(cfg.Approval.Mode),
		Budgets:      cfg.Budgets,
		RunWriter:    runsWriter,
		WorkdirRoot:  workDir,
	})

	conv := conversation.New(runID)
	conv.SetCatalog(catalogEntries(registry))
	conv.AddUserMessage(goal)

	rec, err := loop.Run(ctx, agentloop.RunInput{
		RunID:             runID,
		ProviderID:        provider.ID(),
		Model:             cfg.Provider.Model,
		Conversation:      conv,
		ConfigFingerprint: cfg.Fingerprint(),
		MCPCatalogHash:    mcpCatalogHash,
	})
	if err != nil {
		return fmt.Errorf("run agent loop: %w", err)
	}

	logger.Info(logging.CategorySession, "run_finished", fmt.Sprintf("exit reason: %s", rec.ExitReason.Kind), map[string]any{
		"run_id":      rec.RunID,
		"exit_reason": rec.ExitReason.Kind,
	})

	return printRunRecord(rec)
}

const defaultSystemPrompt = "You are a local coding agent. Use the available tools to accomplish the " +
	"user's goal. Every tool call is subject to policy and may require approval; treat a denial or " +
	"a schema error as feedback and adjust your next call rather than repeating it verbatim."

func resolveGoal(opts *cliOptions) (string, error) {
	if opts.promptFile != "" {
		data, err := os.ReadFile(opts.promptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return string(data), nil
	}
	if opts.prompt == "" {
		return "", fmt.Errorf("one of -prompt or -prompt-file is required")
	}
	return opts.prompt, nil
}

func applyFlagOverrides(cfg *config.Config, opts *cliOptions) {
	if opts.model != "" {
		cfg.Provider.Model = opts.model
	}
	if opts.trustMode != "" {
		cfg.Approval.TrustMode = config.TrustMode(opts.trustMode)
	}
	if opts.approvalMode != "" {
		cfg.Approval.Mode = opts.approvalMode
	}
	if opts.autoScope != "" {
		cfg.Approval.AutoApproveScope = opts.autoScope
	}
	if opts.enableWrite || opts.allowWrite {
		cfg.Gate.EnableWriteTools = true
		cfg.Gate.AllowWrite = true
	}
	if opts.allowShell {
		cfg.Gate.AllowShell = true
	}
	if opts.unsafe {
		cfg.Gate.Unsafe = true
	}
	if opts.mcpPin != "" {
		cfg.MCP.PinEnforcement = opts.mcpPin
	}
	if opts.maxTurns > 0 {
		cfg.Budgets.MaxTurns = opts.maxTurns
	}
	if opts.maxToolCalls > 0 {
		cfg.Budgets.MaxToolCalls = opts.maxToolCalls
	}
	if opts.wallClock > 0 {
		cfg.Budgets.WallClockDeadline = opts.wallClock
	}
}

func loadPolicy(path string) (*policy.PolicyStore, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		doc := policy.DefaultDocument()
		store, storeErr := policy.New(doc)
		if storeErr != nil {
			return nil, storeErr
		}
		return store, writeDefaultPolicy(path, doc)
	}
	if err != nil {
		return nil, err
	}
	return policy.Load(data)
}

func writeDefaultPolicy(path string, doc policy.Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// buildRegistry wires the built-in tool set, applying the driver-level
// fail-closed gate on write/shell exposure (spec §6) before any policy
// decision is ever consulted, then layers on the Timeout, ResultSizeLimit,
// and PanicRecovery middlewares. The Retry middleware is deliberately not
// registered here: tool-execution retries are the AgentLoop's policy, not
// the registry's (see pkg/agentloop/loop.go execute()).
func buildRegistry(cfg *config.Config, workDir string) *tool.Registry {
	writeEnabled := cfg.Gate.EnableWriteTools || cfg.Gate.AllowWrite
	shellEnabled := cfg.Gate.AllowShell

	registry := tool.NewRegistry(tool.WithBuiltinFilter(func(t tool.Tool) bool {
		switch t.Name() {
		case "write_file", "apply_patch":
			return writeEnabled
		case "shell":
			return shellEnabled
		default:
			return true
		}
	}))

	registry.SetWorkDir(workDir)

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.WorkspacePath = workDir
	sandboxCfg.AllowNetwork = cfg.Gate.Unsafe
	registry.SetSandboxConfig(sandboxCfg)

	// Defense in depth alongside the sandbox: reject a path argument that
	// escapes workDir before the tool ever touches the filesystem, whether
	// or not the sandbox itself is enforcing AllowedPaths.
	registry.Use(tool.Validation(tool.ValidationConfig{
		Rules: []tool.ValidationRule{
			{Tool: "read_file", Param: "path", Validate: tool.ValidatePath(workDir)},
			{Tool: "write_file", Param: "path", Validate: tool.ValidatePath(workDir)},
			{Tool: "list_dir", Param: "path", Validate: tool.ValidatePath(workDir)},
		},
	}, nil))

	if !cfg.Gate.Unsafe {
		registry.SetMaxOutputBytes(256 * 1024)
		registry.SetMaxFileSizeBytes(10 * 1024 * 1024)
		registry.SetMaxExecTimeSeconds(int32(cfg.Budgets.PerToolTimeoutMS / 1000))

		registry.Use(tool.Timeout(time.Duration(cfg.Budgets.PerToolTimeoutMS)*time.Millisecond, nil))
		registry.Use(tool.ResultSizeLimit(256*1024, ""))
	}
	registry.Use(tool.PanicRecovery())

	return registry
}

// buildProvider stands in for the out-of-scope HTTP clients (LM Studio,
// llama.cpp, Ollama): this binary exercises the loop against a scripted
// single-turn completion so the run terminates deterministically without a
// live model server. Wiring a real Provider means satisfying
// model.Provider against one of those endpoints, which this module does
// not implement.
func buildProvider(cfg *config.Config, goal string) (model.Provider, error) {
	response := model.ChatResponse{
		Model: cfg.Provider.Model,
		Choices: []model.Choice{{
			Message: model.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("Acknowledged goal: %s", goal),
			},
			FinishReason: "stop",
		}},
	}
	fake := model.NewFakeProvider(cfg.Provider.Kind, response)
	return withCircuitBreaker(fake, model.DefaultCircuitBreaker()), nil
}

// catalogEntries snapshots the registry's current tool set into the
// conversation-level CatalogEntry list, recording which tools were
// advertised to the planner at run start. The RunRecord does not carry
// this list.
func catalogEntries(registry *tool.Registry) []conversation.CatalogEntry {
	tools := registry.List()
	entries := make([]conversation.CatalogEntry, 0, len(tools))
	for _, t := range tools {
		schema, err := json.Marshal(t.Parameters())
		if err != nil {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal(schema, &decoded); err != nil {
			continue
		}
		entries = append(entries, conversation.CatalogEntry{Name: t.Name(), Schema: decoded})
	}
	return entries
}

func printRunRecord(rec runrecord.RunRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
