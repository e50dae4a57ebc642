// Package core defines the capability model and registry for the execution
// subsystem. A Capability is an immutable descriptor binding a named operation
// to a handler together with its execution, audit, and exposure configuration.
package core

import (
	"fmt"
	"strings"
	"time"
)

// Group classifies capabilities by business domain.
type Group string

const (
	GroupScreening   Group = "screening"
	GroupPortfolio   Group = "portfolio"
	GroupTechnical   Group = "technical"
	GroupResearch    Group = "research"
	GroupBacktesting Group = "backtesting"
	GroupRisk        Group = "risk"
	GroupMarket      Group = "market"
	GroupSystem      Group = "system"
)

// ExecutionMode selects how the orchestrator runs a capability.
type ExecutionMode string

const (
	// ModeSync executes inline and returns the final result to the caller.
	ModeSync ExecutionMode = "sync"

	// ModeAsync enqueues the execution and returns immediately with a task ID.
	ModeAsync ExecutionMode = "async"

	// ModeStreaming produces a finite sequence of progressive results.
	ModeStreaming ExecutionMode = "streaming"
)

// RetryStrategy selects how retry delays are computed for async executions.
type RetryStrategy string

const (
	// RetryFixed waits RetryDelay between every attempt.
	RetryFixed RetryStrategy = "fixed"

	// RetryExponential doubles the delay each attempt, capped by the policy.
	RetryExponential RetryStrategy = "exponential"
)

// ExecutionConfig configures how a capability executes.
// Zero values fall back to the defaults from DefaultExecutionConfig.
type ExecutionConfig struct {
	// Mode is the execution mode (sync, async, streaming)
	Mode ExecutionMode `json:"mode" yaml:"mode"`

	// Timeout is the deadline for a single handler invocation
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxRetries bounds automatic retries for async executions.
	// Sync executions never auto-retry.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryDelay is the base delay between retry attempts
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// RetryStrategy selects fixed or exponential backoff
	RetryStrategy RetryStrategy `json:"retry_strategy" yaml:"retry_strategy"`

	// Queue names the logical queue async executions are submitted to
	Queue string `json:"queue" yaml:"queue"`

	// Priority orders async executions: 1 is highest, 10 is lowest
	Priority int `json:"priority" yaml:"priority"`

	// CacheEnabled marks results as cacheable by external adapters
	CacheEnabled bool `json:"cache_enabled" yaml:"cache_enabled"`

	// CacheTTL is the advisory cache lifetime for cacheable results
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultExecutionConfig returns the execution defaults used when a
// capability omits them.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		Mode:          ModeSync,
		Timeout:       30 * time.Second,
		MaxRetries:    0,
		RetryDelay:    5 * time.Second,
		RetryStrategy: RetryFixed,
		Queue:         "default",
		Priority:      5,
	}
}

// AuditConfig controls audit event emission for a capability.
type AuditConfig struct {
	// Log enables audit events for every lifecycle transition
	Log bool `json:"log" yaml:"log"`

	// LogInput includes the validated input payload in audit events
	LogInput bool `json:"log_input" yaml:"log_input"`

	// LogOutput includes successful result payloads in audit events.
	// Defaults to false to bound storage.
	LogOutput bool `json:"log_output" yaml:"log_output"`
}

// DefaultAuditConfig enables lifecycle logging with input but not output payloads.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{Log: true, LogInput: true, LogOutput: false}
}

// MCPExposure describes how a capability surfaces as a remote tool.
// The core treats it as opaque metadata for external adapters.
type MCPExposure struct {
	ToolName     string `json:"tool_name"`
	Category     string `json:"category,omitempty"`
	AsyncPattern string `json:"async_pattern,omitempty"`
}

// APIExposure describes the HTTP surface of a capability.
type APIExposure struct {
	Path       string `json:"path"`
	Method     string `json:"method"`
	StatusPath string `json:"status_path,omitempty"`
}

// UIExposure describes UI routing metadata for a capability.
type UIExposure struct {
	Route     string `json:"route"`
	Component string `json:"component,omitempty"`
}

// Capability is an immutable descriptor of a registered operation.
// The ID is globally unique within a registry instance.
type Capability struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Group       Group  `json:"group"`

	// Handler is the bound callable invoked with validated input.
	Handler Handler `json:"-"`

	// Params declares the handler's input contract when no explicit
	// schema is supplied; see InferSchema.
	Params []ParamSpec `json:"params,omitempty"`

	// InputType optionally names a Go struct whose reflected JSON schema
	// becomes the input contract. Takes precedence over Params.
	InputType any `json:"-"`

	// Schema is the explicit input contract. When set it always takes
	// precedence over inference from Params or InputType.
	Schema *InputSchema `json:"schema,omitempty"`

	Execution ExecutionConfig `json:"execution"`
	Audit     AuditConfig     `json:"audit"`

	// Exposure descriptors are opaque to the core and consumed only by
	// external transport adapters.
	MCP *MCPExposure `json:"mcp,omitempty"`
	API *APIExposure `json:"api,omitempty"`
	UI  *UIExposure  `json:"ui,omitempty"`

	Tags       []string `json:"tags,omitempty"`
	Version    string   `json:"version,omitempty"`
	Deprecated bool     `json:"deprecated,omitempty"`
}

// Validate checks structural requirements before registration.
func (c *Capability) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: capability ID is required", ErrInvalidConfiguration)
	}
	if c.Handler == nil {
		return fmt.Errorf("%w: capability %q has no handler", ErrInvalidConfiguration, c.ID)
	}
	if c.Execution.Priority < 0 || c.Execution.Priority > 10 {
		return fmt.Errorf("%w: capability %q priority %d outside 1-10", ErrInvalidConfiguration, c.ID, c.Execution.Priority)
	}
	return nil
}

// applyDefaults fills derived fields in place at registration time.
// The registry is the only caller; afterwards the descriptor is read-only.
func (c *Capability) applyDefaults() {
	def := DefaultExecutionConfig()
	if c.Execution.Mode == "" {
		c.Execution.Mode = def.Mode
	}
	if c.Execution.Timeout <= 0 {
		c.Execution.Timeout = def.Timeout
	}
	if c.Execution.RetryDelay <= 0 {
		c.Execution.RetryDelay = def.RetryDelay
	}
	if c.Execution.RetryStrategy == "" {
		c.Execution.RetryStrategy = def.RetryStrategy
	}
	if c.Execution.Queue == "" {
		c.Execution.Queue = def.Queue
	}
	if c.Execution.Priority == 0 {
		c.Execution.Priority = def.Priority
	}
	if c.MCP != nil && c.MCP.ToolName == "" {
		c.MCP.ToolName = strings.ReplaceAll(c.ID, "-", "_")
	}
	if c.API != nil && c.API.Path == "" {
		c.API.Path = fmt.Sprintf("/api/capabilities/%s", strings.ReplaceAll(c.ID, "_", "-"))
	}
	if c.API != nil && c.API.Method == "" {
		c.API.Method = "POST"
	}
}
