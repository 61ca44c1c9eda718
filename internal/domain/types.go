// Package domain holds the canonical types shared by the orchestration
// engine, the provider clients, and the storage layer.
package domain

import "time"

// Role identifies the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// FinishReason is the terminal classification of a completion attempt.
type FinishReason string

const (
	FinishReasonStop            FinishReason = "stop"
	FinishReasonLength          FinishReason = "length"
	FinishReasonToolCalls       FinishReason = "tool_calls"
	FinishReasonError           FinishReason = "error"
	FinishReasonTooManyRequests FinishReason = "too_many_requests"
)

// Host identifies an LLM backend.
type Host string

const (
	HostOpenAI    Host = "openai"
	HostAzure     Host = "azure"
	HostAnthropic Host = "anthropic"
	HostNone      Host = "none"
)

// Reserved tool names. These are synthesized by the profile resolver and
// must never collide with a stored tool name.
const (
	ToolChatRecursion = "chat_recursion"
	ToolGenerateImage = "generate_image"
)

// RecursionArgumentKey is the JSON property carrying the delegate profile
// name in a chat_recursion tool call.
const RecursionArgumentKey = "responding_ai_model"

// Message is one conversation turn.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Image     string    `json:"image,omitempty"` // base64-encoded
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// ToolProperty describes one named parameter of a tool.
type ToolProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ToolParameters is the JSON-schema-shaped parameter definition of a tool.
type ToolParameters struct {
	Type       string                  `json:"type"`
	Properties map[string]ToolProperty `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// Tool is a callable capability the model may request. Tools with an
// ExecutionURL are invoked over HTTP; the two reserved system tools are
// handled by the dispatch engine directly.
type Tool struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Parameters       ToolParameters `json:"parameters"`
	ExecutionURL     string         `json:"execution_url,omitempty"`
	ExecutionMethod  string         `json:"execution_method,omitempty"`
	ExecutionAuthKey string         `json:"execution_auth_key,omitempty"`
}

// Profile is the named configuration for a completion. Optional sampling
// parameters are pointers so a per-request override can be distinguished
// from an unset field.
type Profile struct {
	Name              string   `json:"name"`
	Host              Host     `json:"host,omitempty"`
	ImageHost         Host     `json:"image_host,omitempty"`
	Model             string   `json:"model,omitempty"`
	System            string   `json:"system,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	FrequencyPenalty  *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float32 `json:"presence_penalty,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Logprobs          bool     `json:"logprobs,omitempty"`
	TopLogprobs       int      `json:"top_logprobs,omitempty"`
	ToolChoice        string   `json:"tool_choice,omitempty"`
	MaxMessageHistory int      `json:"max_message_history,omitempty"`
	RagDatabase       string   `json:"rag_database,omitempty"`
	Tools             []Tool   `json:"tools,omitempty"`
	ReferenceProfiles []string `json:"reference_profiles,omitempty"`
}

// HasTool reports whether the profile already carries a tool by name.
func (p *Profile) HasTool(name string) bool {
	for _, t := range p.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// QueryType selects how a search index is queried.
type QueryType string

const (
	QueryTypeSimple   QueryType = "simple"
	QueryTypeSemantic QueryType = "semantic"
)

// SearchIndex is the stored metadata describing one retrieval index.
type SearchIndex struct {
	Name                  string    `json:"name"`
	QueryType             QueryType `json:"query_type,omitempty"`
	SemanticConfiguration string    `json:"semantic_configuration,omitempty"`
	Description           string    `json:"description,omitempty"`
}

// CompletionRequest is the inbound shape of a completion. Profile.Name
// selects the stored profile; the remaining profile fields act as
// per-request overrides. A non-empty ConversationID triggers history
// loading and persistence.
type CompletionRequest struct {
	Profile        Profile   `json:"profile"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Messages       []Message `json:"messages"`
}

// ToolResponse is the raw outcome of one external tool invocation.
// Failures are captured here rather than aborting dispatch.
type ToolResponse struct {
	Tool   string `json:"tool"`
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
	Body   string `json:"body,omitempty"`
}

// CompletionResponse is the final, normalized outcome of a completion.
// ToolCalls maps tool name to the serialized arguments the model produced.
type CompletionResponse struct {
	FinishReason  FinishReason      `json:"finish_reason"`
	Messages      []Message         `json:"messages"`
	ToolCalls     map[string]string `json:"tool_calls,omitempty"`
	ToolResponses []ToolResponse    `json:"tool_responses,omitempty"`
}

// CompletionStreamChunk is one increment of a streaming completion.
// ToolCalls carries the cumulative tool-call state as of this chunk;
// FinishReason is set only on the terminal chunk.
type CompletionStreamChunk struct {
	Seq          int               `json:"seq"`
	Role         Role              `json:"role,omitempty"`
	ContentDelta string            `json:"content_delta,omitempty"`
	ImageDelta   []byte            `json:"image_delta,omitempty"`
	FinishReason FinishReason      `json:"finish_reason,omitempty"`
	ToolCalls    map[string]string `json:"tool_calls,omitempty"`
}
