package format

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/poemonsense/antigravity-proxy-go/internal/coreerrors"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// StreamTranslator turns a Cloud Code SSE body into the Anthropic-shaped SSE
// event sequence a Messages API client expects, tracking thought signatures
// through an injected SignatureCache.
type StreamTranslator struct {
	signatures *SignatureCache
	logger     *logging.Logger
}

// NewStreamTranslator builds a StreamTranslator over the given cache.
func NewStreamTranslator(signatures *SignatureCache, logger *logging.Logger) *StreamTranslator {
	return &StreamTranslator{signatures: signatures, logger: logger}
}

// blockState tracks the currently open Anthropic content block across parts.
type blockState struct {
	kind               string // "", "thinking", "text", "tool_use", "image"
	index              int
	thinkingSignature  string
}

// Translate reads Cloud Code's SSE body from r and emits Anthropic SSE
// events on the returned channel; it raises coreerrors.EmptyResponse on the
// error channel if no content part was ever observed, so the caller can
// retry the whole request.
func (t *StreamTranslator) Translate(r io.Reader, model string) (<-chan *anthropic.SSEEvent, <-chan error) {
	events := make(chan *anthropic.SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		messageID := anthropic.GenerateMessageID()
		hasEmittedStart := false
		state := &blockState{index: 0}
		var inputTokens, outputTokens, cacheReadTokens int
		var stopReason string
		modelFamily := string(config.GetModelFamily(model))

		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if jsonText == "" {
				continue
			}

			var chunk GoogleResponse
			if err := json.Unmarshal([]byte(jsonText), &chunk); err != nil {
				t.logger.Warn("sse chunk parse error", zap.Error(err))
				continue
			}

			candidates, usage := candidatesAndUsage(&chunk)
			if usage != nil {
				inputTokens = maxInt(inputTokens, usage.PromptTokenCount)
				outputTokens = maxInt(outputTokens, usage.CandidatesTokenCount)
				cacheReadTokens = maxInt(cacheReadTokens, usage.CachedContentTokenCount)
			}
			if len(candidates) == 0 {
				continue
			}

			candidate := candidates[0]
			if candidate.Content == nil {
				if candidate.FinishReason != "" && stopReason == "" {
					stopReason = mapFinishReason(candidate.FinishReason, stopReason == "tool_use")
				}
				continue
			}

			if !hasEmittedStart && len(candidate.Content.Parts) > 0 {
				hasEmittedStart = true
				events <- &anthropic.SSEEvent{
					Type: anthropic.SSEEventMessageStart,
					Message: &anthropic.MessagesResponse{
						ID:      messageID,
						Type:    "message",
						Role:    "assistant",
						Content: []anthropic.ContentBlock{},
						Model:   model,
						Usage: &anthropic.Usage{
							InputTokens:          inputTokens - cacheReadTokens,
							CacheReadInputTokens: cacheReadTokens,
						},
					},
				}
			}

			for _, part := range candidate.Content.Parts {
				t.emitPart(events, state, part, modelFamily)
				if part.FunctionCall != nil {
					stopReason = "tool_use"
				}
			}

			if candidate.FinishReason != "" && stopReason == "" {
				stopReason = mapFinishReason(candidate.FinishReason, false)
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		if !hasEmittedStart {
			t.logger.Warn("no content parts received from upstream, signaling retry")
			errs <- &coreerrors.EmptyResponse{Model: model}
			return
		}

		if state.kind != "" {
			t.emitPendingSignature(events, state)
			events <- &anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: state.index}
		}

		if stopReason == "" {
			stopReason = "end_turn"
		}

		events <- &anthropic.SSEEvent{
			Type: anthropic.SSEEventMessageDelta,
			Delta: &anthropic.ContentDelta{
				StopReason: stopReason,
			},
			Usage: &anthropic.Usage{
				OutputTokens:         outputTokens,
				CacheReadInputTokens: cacheReadTokens,
			},
		}
		events <- &anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop}
	}()

	return events, errs
}

func (t *StreamTranslator) emitPendingSignature(events chan<- *anthropic.SSEEvent, state *blockState) {
	if state.kind == "thinking" && state.thinkingSignature != "" {
		events <- &anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: state.index,
			Delta: &anthropic.ContentDelta{Type: "signature_delta", Signature: state.thinkingSignature},
		}
		state.thinkingSignature = ""
	}
}

func (t *StreamTranslator) openBlock(events chan<- *anthropic.SSEEvent, state *blockState, kind string, block *anthropic.ContentBlock) {
	t.emitPendingSignature(events, state)
	if state.kind != "" {
		events <- &anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: state.index}
		state.index++
	}
	state.kind = kind
	events <- &anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStart, Index: state.index, ContentBlock: block}
}

func (t *StreamTranslator) emitPart(events chan<- *anthropic.SSEEvent, state *blockState, part ResponsePart, modelFamily string) {
	switch {
	case part.Thought:
		if state.kind != "thinking" {
			t.openBlock(events, state, "thinking", &anthropic.ContentBlock{Type: "thinking"})
		}
		if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
			state.thinkingSignature = part.ThoughtSignature
			t.signatures.CacheThinkingSignature(part.ThoughtSignature, modelFamily)
		}
		events <- &anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: state.index,
			Delta: &anthropic.ContentDelta{Type: "thinking_delta", Thinking: part.Text},
		}

	case part.Text != "":
		if state.kind != "text" {
			t.openBlock(events, state, "text", &anthropic.ContentBlock{Type: "text"})
		}
		events <- &anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: state.index,
			Delta: &anthropic.ContentDelta{Type: "text_delta", Text: part.Text},
		}

	case part.FunctionCall != nil:
		toolID := part.FunctionCall.ID
		if toolID == "" {
			toolID = anthropic.GenerateToolUseID()
		}
		block := &anthropic.ContentBlock{Type: "tool_use", ID: toolID, Name: part.FunctionCall.Name}
		if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
			block.ThoughtSignature = part.ThoughtSignature
			t.signatures.CacheSignature(toolID, part.ThoughtSignature)
		}
		t.openBlock(events, state, "tool_use", block)

		argsJSON, _ := json.Marshal(part.FunctionCall.Args)
		events <- &anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: state.index,
			Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: string(argsJSON)},
		}

	case part.InlineData != nil:
		t.openBlock(events, state, "image", &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			},
		})
		events <- &anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: state.index}
		state.index++
		state.kind = ""
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
