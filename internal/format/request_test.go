package format

import (
	"testing"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func TestConvert_MergesConsecutiveSameRoleMessages(t *testing.T) {
	rc := NewRequestConverter(NewSignatureCache())
	req := &anthropic.MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "first"}}},
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "second"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "reply"}}},
		},
	}

	out := rc.Convert(req)

	if len(out.Contents) != 2 {
		t.Fatalf("expected 2 merged turns, got %d: %+v", len(out.Contents), out.Contents)
	}
	if out.Contents[0].Role != "user" {
		t.Fatalf("expected first turn to stay user, got %s", out.Contents[0].Role)
	}
	var texts []string
	for _, p := range out.Contents[0].Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) != 2 || texts[0] != "first" || texts[1] != "second" {
		t.Errorf("expected the two consecutive user turns' parts concatenated in order, got %+v", texts)
	}
	if out.Contents[1].Role != "model" {
		t.Errorf("expected the assistant turn to remain separate with role model, got %s", out.Contents[1].Role)
	}
}

func TestConvert_NonConsecutiveSameRoleMessagesStaySeparate(t *testing.T) {
	rc := NewRequestConverter(NewSignatureCache())
	req := &anthropic.MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "first"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "reply"}}},
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "third"}}},
		},
	}

	out := rc.Convert(req)

	if len(out.Contents) != 3 {
		t.Fatalf("expected no merging across an intervening assistant turn, got %d turns: %+v", len(out.Contents), out.Contents)
	}
}

func TestMergeConsecutiveSameRoleTurns_EmptyInput(t *testing.T) {
	if got := mergeConsecutiveSameRoleTurns(nil); got != nil {
		t.Errorf("expected nil passthrough for empty input, got %+v", got)
	}
}
