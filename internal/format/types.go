// Package format translates between the Anthropic Messages wire format
// (pkg/anthropic) and Google's Generative AI wire format used by the Cloud
// Code API (§4.4).
package format

import "encoding/json"

// Message is the internal representation a request walks through while its
// Anthropic content blocks are normalized before conversion to Google parts.
type Message struct {
	Role    string
	Content []ContentBlock
}

// ContentBlock is a normalized content block, a superset of both wire
// formats' block shapes so every conversion step reads one struct.
type ContentBlock struct {
	Type             string
	Text             string
	Thinking         string
	Signature        string
	ThoughtSignature string
	Thought          bool
	ID               string
	Name             string
	Input            map[string]any
	ToolUseID        string
	Content          any
	Data             string
	Source           *ImageSource
	CacheControl     any
}

// ImageSource mirrors anthropic.ImageSource for the internal representation.
type ImageSource struct {
	Type      string
	MediaType string
	Data      string
	URL       string
}

// GooglePart is one part of a Google Generative AI content entry.
type GooglePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is a Google-format function call part.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	ID   string         `json:"id,omitempty"`
}

// FunctionResponse is a Google-format function response part.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
	ID       string         `json:"id,omitempty"`
}

// InlineData is base64-inlined binary content (images, documents).
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData is a URL-referenced file part.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// GoogleContent is one turn of a Google contents array.
type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

// GenerationConfig mirrors Google's generationConfig object.
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig carries both Claude's snake_case and Gemini's camelCase
// thinking-budget fields; only the fields relevant to the target model
// family are populated by the request converter.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	IncludeThoughtsGemini bool `json:"includeThoughts,omitempty"`
	ThinkingBudgetGemini  int  `json:"thinkingBudget,omitempty"`
}

// GoogleTool is a Google-format tool declaration wrapper.
type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration is one Google-format function tool.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolConfig carries Google's function-calling mode.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig sets the tool invocation mode.
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// GoogleRequest is the full outbound Cloud Code request body.
type GoogleRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
}

// ToMap flattens the request to a generic map so the Dispatcher can splice
// in project/model fields Cloud Code expects at the top level.
func (r *GoogleRequest) ToMap() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]any{}
	}
	var result map[string]any
	if json.Unmarshal(data, &result) != nil {
		return map[string]any{}
	}
	return result
}

// GoogleResponse is the full inbound Cloud Code response body, tolerant of
// both the bare and response-wrapped shapes the API has been observed to use.
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner is the wrapped-response shape.
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one response candidate.
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent is a candidate's content turn.
type CandidateContent struct {
	Parts []ResponsePart `json:"parts,omitempty"`
	Role  string         `json:"role,omitempty"`
}

// ResponsePart is one part of a response candidate.
type ResponsePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *ResponseFuncCall `json:"functionCall,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// ResponseFuncCall is a function call observed in a response part.
type ResponseFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	ID   string         `json:"id,omitempty"`
}

// UsageMetadata is Google's token accounting block.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// candidatesAndUsage unwraps either response shape uniformly.
func candidatesAndUsage(r *GoogleResponse) ([]Candidate, *UsageMetadata) {
	if r.Response != nil {
		return r.Response.Candidates, r.Response.UsageMetadata
	}
	return r.Candidates, r.UsageMetadata
}
