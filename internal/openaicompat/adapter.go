// Package openaicompat implements the OpenAIAdapter: translation between the
// OpenAI chat-completions wire format and the gateway's native
// models.QueryRequest/Event vocabulary, so existing OpenAI SDK clients can
// point at this gateway without modification.
//
// Uses a fixed bidirectional model-name alias table rather than a
// live-refreshed capability database — the adapter only needs to know which
// internal model an OpenAI-style name maps to, not its pricing or context
// window, and unsupported sampling fields are accepted and ignored rather
// than rejected.
package openaicompat

import (
	"net/http"
	"strings"
	"time"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/rs/zerolog/log"
)

// Message is one entry in an OpenAI chat-completions request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the subset of the OpenAI chat-completions request
// body this adapter understands. Fields outside this subset (top_p,
// presence_penalty, logit_bias, tools, ...) are accepted by the handler via
// a raw map, logged once, and otherwise ignored — never rejected.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// modelAliases maps OpenAI-style model names callers commonly send to the
// gateway's internal model identifiers, and back for responses. A name not
// present here is passed through unchanged in both directions.
var modelAliases = map[string]string{
	"gpt-4o":      "claude-opus",
	"gpt-4o-mini": "claude-sonnet",
	"gpt-4":       "claude-opus",
	"gpt-3.5-turbo": "claude-haiku",
}

const bearerPrefix = "Bearer "

var reverseModelAliases = buildReverseAliases()

// buildReverseAliases walks the aliases in a fixed order, so an internal name
// shared by several aliases ("claude-opus") always maps back to the first of
// them listed here.
func buildReverseAliases() map[string]string {
	out := make(map[string]string, len(modelAliases))
	order := []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"}
	for _, external := range order {
		if internal, ok := modelAliases[external]; ok {
			if _, exists := out[internal]; !exists {
				out[internal] = external
			}
		}
	}
	for external, internal := range modelAliases {
		if _, exists := out[internal]; !exists {
			out[internal] = external
		}
	}
	return out
}

// ToInternalModel translates an OpenAI-style model name to the gateway's
// internal identifier, passing through unrecognized names unchanged. Callers
// that must enforce the fixed-table contract (unknown names fail with
// model_not_found) should check IsKnownModel first.
func ToInternalModel(external string) string {
	if internal, ok := modelAliases[external]; ok {
		return internal
	}
	return external
}

// IsKnownModel reports whether external is either an OpenAI-style alias this
// adapter recognizes or already one of the internal model identifiers those
// aliases resolve to. /v1/chat/completions rejects anything else with
// model_not_found rather than silently forwarding an unmapped name upstream.
func IsKnownModel(external string) bool {
	if _, ok := modelAliases[external]; ok {
		return true
	}
	_, ok := reverseModelAliases[external]
	return ok
}

// ToExternalModel is the inverse of ToInternalModel. Responses echo the
// native model name, not the alias, so this is only for callers that need
// to display the alias a client would recognize.
func ToExternalModel(internal string) string {
	if external, ok := reverseModelAliases[internal]; ok {
		return external
	}
	return internal
}

// ToQueryRequest translates an OpenAI-style request into the gateway's
// native QueryRequest. System messages are concatenated and prepended;
// the remaining history is flattened into a single role-prefixed prompt,
// since the opaque SDK boundary takes one prompt string per turn rather
// than a structured message list.
func ToQueryRequest(req *ChatCompletionRequest, unrecognizedFields []string) (*models.QueryRequest, error) {
	if len(req.Messages) == 0 {
		return nil, apierr.Validation("messages_required", "messages must contain at least one entry")
	}
	if len(unrecognizedFields) > 0 {
		log.Info().Strs("fields", unrecognizedFields).Msg("openai-compat: ignoring unsupported request fields")
	}
	// Sampling parameters are accepted and ignored: max_tokens does not map
	// to turn limits (different semantics) and the native surface exposes no
	// temperature knob.
	if req.Temperature != nil {
		log.Warn().Float64("temperature", *req.Temperature).Msg("openai-compat: temperature is not supported, ignoring")
	}
	if req.MaxTokens != nil {
		log.Warn().Int("max_tokens", *req.MaxTokens).Msg("openai-compat: max_tokens is not supported, ignoring")
	}

	var system strings.Builder
	var history strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case "user", "assistant", "tool":
			history.WriteString(strings.ToUpper(m.Role))
			history.WriteString(": ")
			history.WriteString(m.Content)
			history.WriteString("\n\n")
		default:
			log.Debug().Str("role", m.Role).Msg("openai-compat: ignoring message with unrecognized role")
		}
	}

	prompt := history.String()
	if system.Len() > 0 {
		prompt = system.String() + "\n\n" + prompt
	}

	return &models.QueryRequest{
		Prompt: strings.TrimSuffix(prompt, "\n\n"),
		Model:  ToInternalModel(req.Model),
		Stream: req.Stream,
	}, nil
}

// ChatCompletionResponse is the OpenAI-compatible non-streaming response
// shape.
type ChatCompletionResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatCompletionUsage  `json:"usage"`
}

type chatCompletionChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatCompletionUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ToChatCompletionResponse translates a completed SingleQueryResponse into
// the OpenAI-compatible wire shape.
func ToChatCompletionResponse(id string, createdAt time.Time, model string, resp *models.SingleQueryResponse) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdAt.Unix(),
		Model:   model,
		Choices: []chatCompletionChoice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: resp.Content},
			FinishReason: toFinishReason(resp.StopReason),
		}},
		Usage: chatCompletionUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func toFinishReason(stop models.StopReason) string {
	switch stop {
	case models.StopCompleted:
		return "stop"
	case models.StopInterrupted:
		return "stop"
	case models.StopMaxTurnsReached:
		return "length"
	case models.StopError:
		return "stop"
	default:
		return "stop"
	}
}

// ChatCompletionChunk is one SSE-framed chunk of a streaming response.
type ChatCompletionChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []chatCompletionChunkChoice `json:"choices"`
}

type chatCompletionChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ToChunk translates one gateway Event into zero or one streaming chunks.
// Returns ok=false for events that carry no OpenAI-visible content (e.g.
// tool_start/tool_end, which the OpenAI surface has no room to represent).
func ToChunk(id string, createdAt time.Time, model string, ev models.Event) (chunk *ChatCompletionChunk, done bool, ok bool) {
	switch ev.Kind {
	case models.EventPartial:
		if ev.Block != models.BlockTextDelta || ev.Delta == "" {
			return nil, false, false
		}
		return &ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: createdAt.Unix(), Model: model,
			Choices: []chatCompletionChunkChoice{{Index: 0, Delta: Message{Content: ev.Delta}}},
		}, false, true

	case models.EventResult:
		reason := toFinishReason(ev.StopReason)
		return &ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: createdAt.Unix(), Model: model,
			Choices: []chatCompletionChunkChoice{{Index: 0, Delta: Message{}, FinishReason: &reason}},
		}, true, true

	case models.EventError:
		reason := "stop"
		return &ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: createdAt.Unix(), Model: model,
			Choices: []chatCompletionChunkChoice{{Index: 0, Delta: Message{}, FinishReason: &reason}},
		}, true, true

	default:
		return nil, false, false
	}
}

// ToAPIError translates an apierr.Error into the OpenAI-compatible error
// envelope and status code. The wire "type" is derived from the HTTP status
// per a fixed table, not from the internal Kind directly —
// several kinds share a status (e.g. upstream and tool_unavailable both map
// to 502, which the table reports as "server_error") and the table is keyed
// on status.
func ToAPIError(err error) (status int, body map[string]any) {
	e := apierr.As(err)
	return e.Status, map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    toOpenAIErrorType(e.Status),
			"code":    e.Code,
		},
	}
}

func toOpenAIErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestTimeout:
		return "timeout_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	case http.StatusInternalServerError:
		return "server_error"
	default:
		return "server_error"
	}
}

// ExtractAPIKey implements the adapter's auth shim: if the request carries
// no X-API-Key header, an `Authorization: Bearer <token>` header (the
// convention every OpenAI SDK sends) is treated as the API key instead.
// An existing X-API-Key is never overwritten.
func ExtractAPIKey(r *http.Request) string {
	if existing := r.Header.Get("X-API-Key"); existing != "" {
		return existing
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > len(bearerPrefix) && strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return auth[len(bearerPrefix):]
	}
	return ""
}
