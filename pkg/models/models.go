// Package models defines the wire and storage types shared across the
// gateway: sessions, turns, checkpoints, MCP server configs, share tokens,
// and the AgentRunner event union.
package models

import (
	"time"

	"github.com/agentgw/agentgw/internal/jsonval"
)

// ── Session ──────────────────────────────────────────────────

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// SessionMode is a front-end tag: the core treats it as an opaque string,
// never behaviorally distinct.
type SessionMode string

const (
	ModeBrainstorm SessionMode = "brainstorm"
	ModeCode       SessionMode = "code"
)

type Session struct {
	ID              string            `json:"id"`
	Model           string            `json:"model"`
	Status          SessionStatus     `json:"status"`
	OwnerAPIKey     string            `json:"-"` // never serialized to clients
	WorkingDirectory string           `json:"working_directory,omitempty"`
	ParentSessionID string            `json:"parent_session_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	TotalTurns      int               `json:"total_turns"`
	TotalCost       *float64          `json:"total_cost,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Mode            SessionMode       `json:"mode,omitempty"`
	ProjectID       string            `json:"project_id,omitempty"`
	Title           string            `json:"title,omitempty"`
}

// ── Turn / Interaction ───────────────────────────────────────

type Turn struct {
	SessionID    string    `json:"session_id"`
	Index        int       `json:"index"`
	Prompt       string    `json:"prompt"`
	ResponseText string    `json:"response_text"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMs   int64     `json:"duration_ms"`
	StopReason   string    `json:"stop_reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// ── Checkpoint ───────────────────────────────────────────────

// Checkpoint marks a resumable or forkable point within a session's history.
// Immutable once written.
type Checkpoint struct {
	SessionID  string    `json:"session_id"`
	Index      int       `json:"index"`
	ResumeToken string   `json:"-"` // SDK's opaque resume token, never exposed on the wire
	Summary    string    `json:"summary"`
	CreatedAt  time.Time `json:"created_at"`
}

// ── MCP Server Config ────────────────────────────────────────

type MCPTransport string

const (
	TransportStdio MCPTransport = "stdio"
	TransportSSE   MCPTransport = "sse"
	TransportHTTP  MCPTransport = "http"
)

// MCPServerConfig is identified by (owner_api_key, name). Tier indicates
// where it came from when resolved by McpInjector (file/tenant/request);
// Tier is never persisted, only set on resolved entries.
type MCPServerConfig struct {
	Name      string            `json:"name"`
	Transport MCPTransport      `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Enabled   bool              `json:"enabled"`
	Tier      string            `json:"-"`
}

// RawMCPServerConfig is the decoded-JSON shape before validation/typing —
// the jsonval tagged union at ingress.
type RawMCPServerConfig map[string]jsonval.Json

// ── Share Token ──────────────────────────────────────────────

type ShareToken struct {
	Token       string    `json:"token"`
	OwnerAPIKey string    `json:"-"`
	ServerName  string    `json:"server_name"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Agent / Skill / SlashCommand (opaque to AgentRunner) ─────

type AgentDefinition struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

type SkillDefinition struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

type SlashCommandDefinition struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// ── Event (wire-level tagged union emitted by AgentRunner) ───

type EventKind string

const (
	EventInit               EventKind = "init"
	EventPartial            EventKind = "partial"
	EventMessage            EventKind = "message"
	EventToolStart          EventKind = "tool_start"
	EventToolEnd            EventKind = "tool_end"
	EventToolResult         EventKind = "tool_result"
	EventPermissionRequest  EventKind = "permission_request"
	EventResult             EventKind = "result"
	EventError              EventKind = "error"
)

type PartialBlockKind string

const (
	BlockTextDelta      PartialBlockKind = "text_delta"
	BlockThinkingDelta  PartialBlockKind = "thinking_delta"
	BlockInputJSONDelta PartialBlockKind = "input_json_delta"
	BlockStart          PartialBlockKind = "block_start"
	BlockStop           PartialBlockKind = "block_stop"
)

type StopReason string

const (
	StopCompleted       StopReason = "completed"
	StopMaxTurnsReached StopReason = "max_turns_reached"
	StopInterrupted     StopReason = "interrupted"
	StopError           StopReason = "error"
)

type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = "success"
	ToolResultError   ToolResultStatus = "error"
)

// Usage mirrors the SDK's token accounting for a turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Event is the single tagged union every AgentRunner emits. Exactly one of
// the payload fields is populated, selected by Kind.
type Event struct {
	Kind EventKind `json:"kind"`

	// init
	SessionID string `json:"session_id,omitempty"`

	// partial
	Index      int              `json:"index,omitempty"`
	Block      PartialBlockKind `json:"block,omitempty"`
	Delta      string           `json:"delta,omitempty"`

	// message (aggregated assistant message — tool-use blocks)
	Message *AssistantMessage `json:"message,omitempty"`

	// tool_start / tool_end / tool_result
	ToolUseID  string           `json:"tool_use_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolInput  any              `json:"tool_input,omitempty"`
	ToolOutput string           `json:"tool_output,omitempty"`
	ToolStatus ToolResultStatus `json:"tool_status,omitempty"`

	// permission_request
	PermissionInput any `json:"permission_input,omitempty"`

	// result
	StopReason StopReason `json:"stop_reason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	Cost       *float64   `json:"cost,omitempty"`

	// ResumeToken is the SDK's opaque resume handle for the point this
	// result leaves the conversation at. Internal only: it is persisted
	// into the checkpoint log, never serialized to clients.
	ResumeToken string `json:"-"`

	// error
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type ContentBlock struct {
	Type      string `json:"type"` // text | tool_use | tool_result | thinking
	Text      string `json:"text,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput any    `json:"tool_input,omitempty"`
}

// ── Query request/response (native namespace) ────────────────

type PermissionMode string

const (
	PermissionDefault         PermissionMode = "default"
	PermissionAcceptEdits     PermissionMode = "acceptEdits"
	PermissionPlan            PermissionMode = "plan"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

type QueryRequest struct {
	Prompt           string             `json:"prompt"`
	SessionID        string             `json:"session_id,omitempty"`
	Model            string             `json:"model,omitempty"`
	MaxTurns         int                `json:"max_turns,omitempty"`
	AllowedTools     []string           `json:"allowed_tools,omitempty"`
	DisallowedTools  []string           `json:"disallowed_tools,omitempty"`
	PermissionMode   PermissionMode     `json:"permission_mode,omitempty"`
	MCPServers       jsonval.Json       `json:"mcp_servers,omitempty"`
	Cwd              string             `json:"cwd,omitempty"`
	Images           []string           `json:"images,omitempty"`
	Agents           []AgentDefinition  `json:"agents,omitempty"`
	Stream           bool               `json:"stream,omitempty"`

	// ResumeToken carries the checkpoint's opaque SDK resume handle when the
	// query continues an existing session. Populated by the handler from the
	// checkpoint log, never accepted from the wire.
	ResumeToken string `json:"-"`
}

type SingleQueryResponse struct {
	SessionID  string     `json:"session_id"`
	Content    string     `json:"content"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
	Cost       *float64   `json:"cost,omitempty"`
}

// ── Interrupt controller socket messages ─────────────────────

type InboundKind string

const (
	InboundPrompt    InboundKind = "prompt"
	InboundInterrupt InboundKind = "interrupt"
	InboundAnswer    InboundKind = "answer"
)

type PermissionDecision string

const (
	DecisionAllow       PermissionDecision = "allow"
	DecisionDeny        PermissionDecision = "deny"
	DecisionAlwaysAllow PermissionDecision = "always_allow"
	DecisionAlwaysDeny  PermissionDecision = "always_deny"
)

type InboundMessage struct {
	Kind       InboundKind        `json:"kind"`
	Prompt     *QueryRequest      `json:"prompt,omitempty"`
	ToolUseID  string             `json:"tool_use_id,omitempty"`
	Decision   PermissionDecision `json:"decision,omitempty"`
}
