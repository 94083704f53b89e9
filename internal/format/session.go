package format

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// DeriveSessionID derives a stable session ID from the first user message so
// the same conversation reuses the same session across turns, which keeps
// prompt caching (scoped to session + project) effective.
func DeriveSessionID(req *anthropic.MessagesRequest) string {
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		if text := extractTextContent(msg); text != "" {
			hash := sha256.Sum256([]byte(text))
			return hex.EncodeToString(hash[:16])
		}
	}
	return uuid.New().String()
}

func extractTextContent(msg anthropic.Message) string {
	var result string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if result != "" {
				result += "\n"
			}
			result += block.Text
		}
	}
	return result
}
