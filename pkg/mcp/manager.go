package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/localagent/localagent/pkg/telemetry"
)

// PinMode controls how a catalog hash mismatch is handled at connect time.
type PinMode string

const (
	// PinHard refuses to finish connecting when the live catalog hash
	// doesn't match the pinned one.
	PinHard PinMode = "hard"
	// PinWarn connects anyway but reports the mismatch to the caller.
	PinWarn PinMode = "warn"
	// PinOff skips the comparison entirely.
	PinOff PinMode = "off"
)

// Manager manages multiple MCP server connections
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	configs map[string]Config

	pinnedHash string
	pinMode    PinMode
}

// NewManager creates a new MCP manager
func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]*Client),
		configs: make(map[string]Config),
		pinMode: PinOff,
	}
}

// SetPin configures the expected catalog hash and how deviations from it
// are handled on the next Connect. Refresh does not check the pin.
func (m *Manager) SetPin(hash string, mode PinMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinnedHash = hash
	m.pinMode = mode
}

// CatalogHash returns a deterministic hash of every connected server's
// tool names and input schemas, sorted by server then tool name. Two
// managers connected to the same tool surface produce the same hash
// regardless of map iteration order.
func (m *Manager) CatalogHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalogHashLocked()
}

func (m *Manager) catalogHashLocked() string {
	type entry struct {
		Server string         `json:"server"`
		Name   string         `json:"name"`
		Schema map[string]any `json:"schema"`
	}
	var entries []entry
	for serverName, client := range m.clients {
		for _, t := range client.Tools() {
			entries = append(entries, entry{Server: serverName, Name: t.Name, Schema: t.InputSchema})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Server != entries[j].Server {
			return entries[i].Server < entries[j].Server
		}
		return entries[i].Name < entries[j].Name
	})

	data, _ := json.Marshal(entries)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DriftError reports that the live catalog hash no longer matches the
// pinned one.
type DriftError struct {
	Expected string
	Actual   string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("mcp catalog drift: expected %s, got %s", e.Expected, e.Actual)
}

// checkPinLocked compares the live catalog hash against the pinned one.
// drift is non-nil whenever the hashes diverge (pin mode permitting);
// fatal reports whether PinHard requires the caller to abort.
func (m *Manager) checkPinLocked() (drift *DriftError, fatal bool) {
	if m.pinMode == PinOff || m.pinnedHash == "" {
		return nil, false
	}
	actual := m.catalogHashLocked()
	if actual == m.pinnedHash {
		return nil, false
	}
	return &DriftError{Expected: m.pinnedHash, Actual: actual}, m.pinMode == PinHard
}

// AddServer adds a server configuration
func (m *Manager) AddServer(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.Name] = cfg
}

// Connect connects to all configured servers concurrently. After every
// reachable server is up, it enforces the configured catalog pin: a
// PinHard mismatch rolls back every connection made in this call and
// returns a *DriftError so the caller refuses to start; a PinWarn
// mismatch is returned alongside successful connections for the caller
// to log.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	pending := make(map[string]Config)
	for name, cfg := range m.configs {
		if _, exists := m.clients[name]; exists {
			continue
		}
		pending[name] = cfg
	}
	m.mu.Unlock()

	type connected struct {
		name   string
		client *Client
	}
	results := make(chan connected, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	for name, cfg := range pending {
		name, cfg := name, cfg
		g.Go(func() error {
			client, err := NewClient(cfg)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if err := client.Initialize(gctx); err != nil {
				client.Close()
				return fmt.Errorf("%s: %w", name, err)
			}
			if _, err := client.ListTools(gctx); err != nil {
				// Non-fatal, some servers may not have tools.
			}
			results <- connected{name: name, client: client}
			return nil
		})
	}
	connectErr := g.Wait()
	close(results)

	m.mu.Lock()
	for c := range results {
		m.clients[c.name] = c.client
		telemetry.SetMCPServerConnected(c.name, true)
	}
	drift, fatal := m.checkPinLocked()
	if fatal {
		for name := range pending {
			if client, ok := m.clients[name]; ok {
				client.Close()
				delete(m.clients, name)
				telemetry.SetMCPServerConnected(name, false)
			}
		}
	}
	m.mu.Unlock()

	if fatal {
		return drift
	}
	if connectErr != nil && drift != nil {
		return fmt.Errorf("%w; %v", connectErr, drift)
	}
	if connectErr != nil {
		return connectErr
	}
	if drift != nil {
		return drift
	}
	return nil
}

// ConnectServer connects to a specific server by name
func (m *Manager) ConnectServer(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[name]
	if !ok {
		return fmt.Errorf("server not configured: %s", name)
	}

	if _, exists := m.clients[name]; exists {
		return nil // Already connected
	}

	client, err := NewClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if _, err := client.ListTools(ctx); err != nil {
		// Non-fatal
	}

	m.clients[name] = client
	telemetry.SetMCPServerConnected(name, true)
	return nil
}

// DisconnectServer disconnects from a specific server
func (m *Manager) DisconnectServer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[name]
	if !ok {
		return nil
	}

	delete(m.clients, name)
	telemetry.SetMCPServerConnected(name, false)
	return client.Close()
}

// GetClient returns a client by server name
func (m *Manager) GetClient(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[name]
	return client, ok
}

// ListServers returns all configured server names
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	return names
}

// ListConnectedServers returns all connected server names
func (m *Manager) ListConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// AllTools returns all tools from all connected servers
func (m *Manager) AllTools() []ToolWithServer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []ToolWithServer
	for serverName, client := range m.clients {
		for _, tool := range client.Tools() {
			tools = append(tools, ToolWithServer{
				Server: serverName,
				Tool:   tool,
			})
		}
	}
	return tools
}

// ToolWithServer pairs a tool definition with its server
type ToolWithServer struct {
	Server string
	Tool   ToolDefinition
}

// CallTool calls a tool on the appropriate server
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*ToolCallResult, error) {
	m.mu.RLock()
	client, ok := m.clients[serverName]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("server not connected: %s", serverName)
	}

	return client.CallTool(ctx, toolName, args)
}

// FindTool finds a tool by name across all servers
func (m *Manager) FindTool(toolName string) (serverName string, tool *ToolDefinition, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for srvName, client := range m.clients {
		for _, t := range client.Tools() {
			if t.Name == toolName {
				return srvName, &t, true
			}
		}
	}
	return "", nil, false
}

// ServerStatus returns the status of all servers
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	for name, cfg := range m.configs {
		status := ServerStatus{
			Name:      name,
			Command:   cfg.Command,
			Connected: false,
		}

		if client, ok := m.clients[name]; ok {
			status.Connected = true
			if info := client.ServerInfo(); info != nil {
				status.Version = info.Version
				status.Protocol = info.ProtocolVer
			}
			status.ToolCount = len(client.Tools())
			status.ResourceCount = len(client.Resources())
		}

		statuses = append(statuses, status)
	}
	return statuses
}

// ServerStatus represents the current status of an MCP server
type ServerStatus struct {
	Name          string
	Command       string
	Connected     bool
	Version       string
	Protocol      string
	ToolCount     int
	ResourceCount int
}

// Refresh reconnects to servers and refreshes tool lists
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	serverNames := make([]string, 0, len(m.clients))
	for name := range m.clients {
		serverNames = append(serverNames, name)
	}
	m.mu.RUnlock()

	for _, name := range serverNames {
		m.mu.RLock()
		client, ok := m.clients[name]
		m.mu.RUnlock()

		if !ok {
			continue
		}

		// Refresh tools list
		if _, err := client.ListTools(ctx); err != nil {
			// Log but continue
		}
	}

	return nil
}

// Close disconnects from all servers
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
		telemetry.SetMCPServerConnected(name, false)
	}
	m.clients = make(map[string]*Client)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing servers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HealthCheck checks the health of all connected servers
func (m *Manager) HealthCheck(ctx context.Context, timeout time.Duration) map[string]bool {
	m.mu.RLock()
	serverNames := make([]string, 0, len(m.clients))
	for name := range m.clients {
		serverNames = append(serverNames, name)
	}
	m.mu.RUnlock()

	results := make(map[string]bool)
	for _, name := range serverNames {
		m.mu.RLock()
		client, ok := m.clients[name]
		m.mu.RUnlock()

		if !ok {
			results[name] = false
			continue
		}

		// Try to list tools as a health check
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := client.ListTools(checkCtx)
		cancel()

		healthy := err == nil
		results[name] = healthy
		telemetry.SetMCPServerConnected(name, healthy)
	}

	return results
}
