package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// ConvertRole maps an Anthropic role to its Google counterpart.
func ConvertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// RequestConverter turns Anthropic Messages requests into Google Generative
// AI requests. It holds a SignatureCache so restored tool-use signatures and
// cross-model thinking-block compatibility checks share state across calls
// for the life of the process, the same continuity the source's global
// cache gave it — but injected, not a package singleton.
type RequestConverter struct {
	signatures *SignatureCache
}

// NewRequestConverter builds a RequestConverter over the given cache.
func NewRequestConverter(signatures *SignatureCache) *RequestConverter {
	return &RequestConverter{signatures: signatures}
}

// Convert translates an Anthropic request into a Google request for req.Model.
func (rc *RequestConverter) Convert(req *anthropic.MessagesRequest) *GoogleRequest {
	messages := convertAnthropicMessages(req.Messages)

	modelFamily := config.GetModelFamily(req.Model)
	isClaudeModel := modelFamily == config.ModelFamilyClaude
	isGeminiModel := modelFamily == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(req.Model)

	out := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(messages)),
		GenerationConfig: &GenerationConfig{},
	}

	if req.System != nil {
		out.SystemInstruction = rc.convertSystem(req.System)
	}

	if isClaudeModel && isThinking && len(req.Tools) > 0 {
		hint := "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."
		rc.appendSystemText(out, hint)
	}
	rc.appendSystemText(out, config.IgnoreTaggedSystemInstruction)

	for _, msg := range messages {
		content := msg.Content
		if msg.Role == "assistant" && len(content) > 0 {
			content = rc.reorderAssistantContent(content)
		}

		parts := rc.convertContentToParts(content, isClaudeModel, isGeminiModel)
		if len(parts) == 0 {
			parts = append(parts, GooglePart{Text: "."}) // Google requires >=1 part per turn
		}

		out.Contents = append(out.Contents, GoogleContent{Role: ConvertRole(msg.Role), Parts: parts})
	}

	out.Contents = mergeConsecutiveSameRoleTurns(out.Contents)

	if isClaudeModel {
		out.Contents = filterUnsignedThinkingBlocks(out.Contents)
	}

	applyGenerationConfig(out, req, isClaudeModel, isGeminiModel, isThinking)
	applyTools(out, req, isClaudeModel)

	if isGeminiModel && out.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		out.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return out
}

func (rc *RequestConverter) convertSystem(system anthropic.SystemContent) *GoogleContent {
	var parts []GooglePart
	switch s := system.(type) {
	case string:
		if s != "" {
			parts = append(parts, GooglePart{Text: s})
		}
	case []any:
		for _, block := range s {
			if m, ok := block.(map[string]any); ok && m["type"] == "text" {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, GooglePart{Text: text})
				}
			}
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &GoogleContent{Parts: parts}
}

func (rc *RequestConverter) appendSystemText(out *GoogleRequest, text string) {
	if out.SystemInstruction == nil {
		out.SystemInstruction = &GoogleContent{Parts: []GooglePart{{Text: text}}}
		return
	}
	out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, GooglePart{Text: text})
}

// reorderAssistantContent puts thinking blocks first, then text, then
// tool_use, matching the ordering Cloud Code expects from an assistant turn.
func (rc *RequestConverter) reorderAssistantContent(blocks []ContentBlock) []ContentBlock {
	var thinking, text, toolUse, other []ContentBlock
	for _, b := range blocks {
		switch b.Type {
		case "thinking":
			if b.Signature == "" {
				continue // drop unsigned thinking blocks
			}
			thinking = append(thinking, b)
		case "text":
			text = append(text, b)
		case "tool_use":
			toolUse = append(toolUse, b)
		default:
			other = append(other, b)
		}
	}
	result := make([]ContentBlock, 0, len(blocks))
	result = append(result, thinking...)
	result = append(result, text...)
	result = append(result, toolUse...)
	result = append(result, other...)
	return result
}

func (rc *RequestConverter) convertContentToParts(content []ContentBlock, isClaudeModel, isGeminiModel bool) []GooglePart {
	parts := make([]GooglePart, 0, len(content))
	var deferredInline []GooglePart

	for _, block := range content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image", "document":
			if block.Source == nil {
				continue
			}
			defaultMime := "image/jpeg"
			if block.Type == "document" {
				defaultMime = "application/pdf"
			}
			if block.Source.Type == "base64" {
				parts = append(parts, GooglePart{InlineData: &InlineData{MimeType: block.Source.MediaType, Data: block.Source.Data}})
			} else if block.Source.Type == "url" {
				mime := block.Source.MediaType
				if mime == "" {
					mime = defaultMime
				}
				parts = append(parts, GooglePart{FileData: &FileData{MimeType: mime, FileURI: block.Source.URL}})
			}

		case "tool_use":
			fc := &FunctionCall{Name: block.Name, Args: block.Input}
			if isClaudeModel && block.ID != "" {
				fc.ID = block.ID
			}
			part := GooglePart{FunctionCall: fc}
			if isGeminiModel {
				signature := block.ThoughtSignature
				if signature == "" && block.ID != "" {
					signature = rc.signatures.GetCachedSignature(block.ID)
				}
				if signature == "" {
					signature = "skip_thought_signature_validator"
				}
				part.ThoughtSignature = signature
			}
			parts = append(parts, part)

		case "tool_result":
			responseContent, images := convertToolResultContent(block.Content)
			name := block.ToolUseID
			if name == "" {
				name = "unknown"
			}
			fr := &FunctionResponse{Name: name, Response: responseContent}
			if isClaudeModel && block.ToolUseID != "" {
				fr.ID = block.ToolUseID
			}
			parts = append(parts, GooglePart{FunctionResponse: fr})
			deferredInline = append(deferredInline, images...)

		case "thinking":
			if block.Signature == "" || len(block.Signature) < config.MinSignatureLength {
				continue
			}
			family := rc.signatures.GetCachedSignatureFamily(block.Signature)
			var target string
			if isClaudeModel {
				target = "claude"
			} else if isGeminiModel {
				target = "gemini"
			}
			if isGeminiModel && target != "" {
				if family != "" && family != target {
					continue // cross-model signature, incompatible
				}
				if family == "" {
					continue // cold cache, unknown origin: safe default is drop
				}
			}
			parts = append(parts, GooglePart{Text: block.Thinking, Thought: true, ThoughtSignature: block.Signature})
		}
	}

	return append(parts, deferredInline...)
}

func convertToolResultContent(content any) (map[string]any, []GooglePart) {
	result := map[string]any{}
	var images []GooglePart
	switch c := content.(type) {
	case string:
		result["result"] = c
	case []any:
		var texts []string
		for _, item := range c {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch m["type"] {
			case "image":
				if src, ok := m["source"].(map[string]any); ok && src["type"] == "base64" {
					mime, _ := src["media_type"].(string)
					data, _ := src["data"].(string)
					images = append(images, GooglePart{InlineData: &InlineData{MimeType: mime, Data: data}})
				}
			case "text":
				if t, ok := m["text"].(string); ok {
					texts = append(texts, t)
				}
			}
		}
		switch {
		case len(texts) > 0:
			result["result"] = strings.Join(texts, "\n")
		case len(images) > 0:
			result["result"] = "Image attached"
		default:
			result["result"] = ""
		}
	}
	return result, images
}

// mergeConsecutiveSameRoleTurns concatenates the parts of adjacent turns that
// share a role into one turn, since Google rejects back-to-back same-role
// content and the source conversation may carry consecutive user or
// consecutive assistant messages (e.g. after a tool-result message gets
// folded back in as a user turn next to a plain user message).
func mergeConsecutiveSameRoleTurns(contents []GoogleContent) []GoogleContent {
	if len(contents) == 0 {
		return contents
	}
	out := make([]GoogleContent, 0, len(contents))
	out = append(out, contents[0])
	for _, c := range contents[1:] {
		last := &out[len(out)-1]
		if c.Role == last.Role {
			last.Parts = append(last.Parts, c.Parts...)
			continue
		}
		out = append(out, c)
	}
	return out
}

func filterUnsignedThinkingBlocks(contents []GoogleContent) []GoogleContent {
	out := make([]GoogleContent, 0, len(contents))
	for _, c := range contents {
		parts := make([]GooglePart, 0, len(c.Parts))
		for _, p := range c.Parts {
			if p.Thought && (p.ThoughtSignature == "" || len(p.ThoughtSignature) < config.MinSignatureLength) {
				continue
			}
			parts = append(parts, p)
		}
		out = append(out, GoogleContent{Role: c.Role, Parts: parts})
	}
	return out
}

func applyGenerationConfig(out *GoogleRequest, req *anthropic.MessagesRequest, isClaudeModel, isGeminiModel, isThinking bool) {
	gc := out.GenerationConfig
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = req.MaxTokens
	}
	gc.Temperature = req.Temperature
	gc.TopP = req.TopP
	gc.TopK = req.TopK
	if len(req.StopSequences) > 0 {
		gc.StopSequences = req.StopSequences
	}

	if !isThinking {
		return
	}

	if isClaudeModel {
		tc := &ThinkingConfig{IncludeThoughts: true}
		var budget int
		if req.Thinking != nil {
			budget = req.Thinking.BudgetTokens
		}
		if budget > 0 {
			tc.ThinkingBudget = budget
			if gc.MaxOutputTokens > 0 && gc.MaxOutputTokens <= budget {
				gc.MaxOutputTokens = budget + 8192
			}
		}
		gc.ThinkingConfig = tc
	} else if isGeminiModel {
		budget := 16000
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			budget = req.Thinking.BudgetTokens
		}
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughtsGemini: true, ThinkingBudgetGemini: budget}
	}
}

func applyTools(out *GoogleRequest, req *anthropic.MessagesRequest, isClaudeModel bool) {
	if len(req.Tools) == 0 {
		return
	}
	decls := make([]FunctionDeclaration, 0, len(req.Tools))
	for i, tool := range req.Tools {
		name := tool.Name
		if name == "" {
			name = fmt.Sprintf("tool-%d", i)
		}
		var schema map[string]any
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				schema = map[string]any{"type": "object"}
			}
		} else {
			schema = map[string]any{"type": "object"}
		}
		decls = append(decls, FunctionDeclaration{
			Name:        cleanToolName(name),
			Description: tool.Description,
			Parameters:  sanitizeSchema(schema),
		})
	}
	out.Tools = []GoogleTool{{FunctionDeclarations: decls}}
	if isClaudeModel {
		out.ToolConfig = &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"}}
	}
}

// sanitizeSchema strips JSON Schema keywords Google's function-calling
// parameters object doesn't accept (e.g. $schema, additionalProperties).
func sanitizeSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "additionalProperties", "$id", "definitions", "$defs":
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = sanitizeSchema(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

func cleanToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}

func convertAnthropicMessages(messages []anthropic.Message) []Message {
	result := make([]Message, 0, len(messages))
	for _, msg := range messages {
		result = append(result, Message{Role: msg.Role, Content: convertAnthropicContent(msg.Content)})
	}
	return result
}

func convertAnthropicContent(content []anthropic.ContentBlock) []ContentBlock {
	result := make([]ContentBlock, 0, len(content))
	for _, item := range content {
		block := ContentBlock{
			Type:             item.Type,
			Text:             item.Text,
			Thinking:         item.Thinking,
			Signature:        item.Signature,
			ThoughtSignature: item.ThoughtSignature,
			ID:               item.ID,
			Name:             item.Name,
			ToolUseID:        item.ToolUseID,
			Content:          item.Content,
		}
		if len(item.Input) > 0 {
			var input map[string]any
			if json.Unmarshal(item.Input, &input) == nil {
				block.Input = input
			}
		}
		if item.Source != nil {
			block.Source = &ImageSource{Type: item.Source.Type, MediaType: item.Source.MediaType, Data: item.Source.Data, URL: item.Source.URL}
		}
		block.CacheControl = item.CacheControl
		result = append(result, block)
	}
	return result
}
