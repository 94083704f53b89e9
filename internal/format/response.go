package format

import (
	"encoding/json"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// jsonRawMessage marshals args to the json.RawMessage anthropic.ContentBlock
// expects for a tool_use block's input.
func jsonRawMessage(args map[string]any) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(args)
}

// ResponseConverter turns a unary Google Generative AI response into an
// Anthropic Messages response, caching any thought signatures it observes
// so a later request in the same conversation can restore them.
type ResponseConverter struct {
	signatures *SignatureCache
}

// NewResponseConverter builds a ResponseConverter over the given cache.
func NewResponseConverter(signatures *SignatureCache) *ResponseConverter {
	return &ResponseConverter{signatures: signatures}
}

// Convert translates googleResp into the Anthropic shape reported as having
// come from model.
func (rc *ResponseConverter) Convert(googleResp *GoogleResponse, model string) *anthropic.MessagesResponse {
	candidates, usage := candidatesAndUsage(googleResp)

	content := []anthropic.ContentBlock{}
	stopReason := "end_turn"
	hasToolCall := false

	if len(candidates) > 0 {
		candidate := candidates[0]
		if candidate.Content != nil {
			family := string(config.GetModelFamily(model))
			for _, part := range candidate.Content.Parts {
				block, isToolUse := rc.convertPart(part, family)
				if block == nil {
					continue
				}
				if isToolUse {
					hasToolCall = true
				}
				content = append(content, *block)
			}
		}
		stopReason = mapFinishReason(candidate.FinishReason, hasToolCall)
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	resp := anthropic.NewMessagesResponse(anthropic.GenerateMessageID(), model, content, stopReason, nil)
	if usage != nil {
		resp.Usage = &anthropic.Usage{
			InputTokens:          usage.PromptTokenCount - usage.CachedContentTokenCount,
			OutputTokens:         usage.CandidatesTokenCount,
			CacheReadInputTokens: usage.CachedContentTokenCount,
		}
	}
	return resp
}

// convertPart converts one Google response part into an Anthropic content
// block, reporting whether it was a tool_use block.
func (rc *ResponseConverter) convertPart(part ResponsePart, modelFamily string) (*anthropic.ContentBlock, bool) {
	switch {
	case part.FunctionCall != nil:
		id := part.FunctionCall.ID
		if id == "" {
			id = anthropic.GenerateToolUseID()
		}
		if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
			rc.signatures.CacheSignature(id, part.ThoughtSignature)
		}
		input, err := jsonRawMessage(part.FunctionCall.Args)
		if err != nil {
			input = nil
		}
		return &anthropic.ContentBlock{
			Type:             "tool_use",
			ID:               id,
			Name:             part.FunctionCall.Name,
			Input:            input,
			ThoughtSignature: part.ThoughtSignature,
		}, true

	case part.Thought:
		if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
			rc.signatures.CacheThinkingSignature(part.ThoughtSignature, modelFamily)
		}
		return &anthropic.ContentBlock{
			Type:      "thinking",
			Thinking:  part.Text,
			Signature: part.ThoughtSignature,
		}, false

	case part.InlineData != nil:
		return &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			},
		}, false

	case part.Text != "":
		return &anthropic.ContentBlock{Type: "text", Text: part.Text}, false
	}
	return nil, false
}

// mapFinishReason maps a Google finish reason to an Anthropic stop_reason.
func mapFinishReason(reason string, hasToolCall bool) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "stop_sequence"
	case "TOOL_USE", "TOOL_CALLS":
		return "tool_use"
	default:
		if hasToolCall {
			return "tool_use"
		}
		return "end_turn"
	}
}
