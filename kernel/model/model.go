// Package model defines the provider-agnostic abstraction over the tiered
// language models that drive page editing. It mirrors common streaming chat
// APIs (Anthropic Messages, Bedrock Converse) so the orchestrator can invoke
// a tier without coupling to a specific SDK; adapters under features/model
// translate these normalized types into provider formats.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Tier names one of the model-invocation levels. L2 is the compiler, L3
	// the architect, L4 the analyst.
	Tier string

	// Client is the contract the orchestrator uses to invoke a model.
	// Implementations wrap provider SDKs and must be safe for concurrent use
	// across pages.
	Client interface {
		// Stream sends a request and returns a Streamer yielding incremental
		// chunks (text deltas, tool-call fragments, whole tool calls, usage,
		// stop). The returned Streamer must be closed by the caller.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Close releases underlying resources.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
		// Metadata returns provider-specific stream metadata such as usage
		// totals and request identifiers. Contents are provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters of a tier invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// System is the system prompt (blueprint scaffold plus snapshot).
		System string
		// Messages is the ordered conversation.
		Messages []Message
		// Tools are the tool schemas exposed to the model. For the editing
		// kernel these are exactly mutate_entity and set_relationship.
		Tools []*ToolDefinition
		// MaxTokens caps completion length; zero uses the adapter default.
		MaxTokens int
		// Temperature controls sampling; zero uses the adapter default.
		Temperature float64
	}

	// Message is one conversation turn.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// ToolDefinition describes a tool schema passed to the provider.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is a JSON Schema object describing the tool input.
		InputSchema map[string]any
	}

	// ToolCall is a completed tool invocation assembled from the stream.
	ToolCall struct {
		// Name is the tool name as advertised to the provider.
		Name string
		// ID is the provider-assigned tool-use identifier.
		ID string
		// Payload is the raw JSON input the model produced. It may be
		// malformed; the decomposer validates it.
		Payload json.RawMessage
	}

	// ToolCallDelta is an incremental tool-call argument fragment emitted
	// while the provider constructs the final input JSON. Fragments are not
	// guaranteed to be valid JSON on their own.
	ToolCallDelta struct {
		Name  string
		ID    string
		Delta string
	}

	// TokenUsage records token counts when the provider reports them.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Chunk is one streaming event. Type indicates which field is populated.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type string
		// Text carries an assistant text delta when Type is "text".
		Text string
		// ToolCall carries the completed call when Type is "tool_call".
		ToolCall *ToolCall
		// ToolCallDelta carries a fragment when Type is "tool_call_delta".
		ToolCallDelta *ToolCallDelta
		// UsageDelta reports incremental usage when Type is "usage".
		UsageDelta *TokenUsage
		// StopReason explains termination when Type is "stop".
		StopReason string
	}

	// TierConfig binds a tier to a concrete provider client and model.
	TierConfig struct {
		// Client is the provider adapter.
		Client Client
		// Model is the production model identifier.
		Model string
		// ShadowModel, when set, names the higher-tier shadow model invoked
		// after the production call. Shadow output is recorded, never
		// applied.
		ShadowModel string
		// Timeout bounds the wall clock of one call. Zero means the
		// orchestrator default.
		Timeout time.Duration
	}
)

// Chunk type constants.
const (
	ChunkTypeText          = "text"
	ChunkTypeToolCall      = "tool_call"
	ChunkTypeToolCallDelta = "tool_call_delta"
	ChunkTypeUsage         = "usage"
	ChunkTypeStop          = "stop"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tiers.
const (
	TierL2 Tier = "L2"
	TierL3 Tier = "L3"
	TierL4 Tier = "L4"
)

// ErrStreamingUnsupported indicates the provider does not implement
// streaming for the requested model.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected the call for quota reasons.
var ErrRateLimited = errors.New("model: rate limited")

// ValidTier reports whether t names a known tier.
func ValidTier(t Tier) bool {
	return t == TierL2 || t == TierL3 || t == TierL4
}

// Above reports whether t is a higher tier than o (L4 > L3 > L2).
func (t Tier) Above(o Tier) bool {
	rank := map[Tier]int{TierL2: 2, TierL3: 3, TierL4: 4}
	return rank[t] > rank[o]
}
