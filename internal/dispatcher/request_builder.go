package dispatcher

import (
	"github.com/google/uuid"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// cloudCodePayload is the wrapped body the Cloud Code API expects: the
// translated Google request nested under project/model/requestId fields.
type cloudCodePayload struct {
	Project     string         `json:"project"`
	Model       string         `json:"model"`
	Request     map[string]any `json:"request"`
	UserAgent   string         `json:"userAgent"`
	RequestType string         `json:"requestType"`
	RequestID   string         `json:"requestId"`
}

func buildCloudCodeRequest(req *anthropic.MessagesRequest, projectID string, converter *format.RequestConverter) *cloudCodePayload {
	googleRequest := converter.Convert(req).ToMap()
	googleRequest["sessionId"] = format.DeriveSessionID(req)

	return &cloudCodePayload{
		Project:     projectID,
		Model:       req.Model,
		Request:     googleRequest,
		UserAgent:   "antigravity",
		RequestType: "agent",
		RequestID:   "agent-" + uuid.New().String(),
	}
}

func buildHeaders(cfg *config.Config, token, model, accept string) map[string]string {
	if accept == "" {
		accept = "application/json"
	}

	headers := cfg.LoadCodeAssistHeaders()
	headers["Authorization"] = "Bearer " + token
	headers["Content-Type"] = "application/json"

	if config.GetModelFamily(model) == config.ModelFamilyClaude && config.IsThinkingModel(model) {
		headers["anthropic-beta"] = "interleaved-thinking-2025-05-14"
	}

	if accept != "application/json" {
		headers["Accept"] = accept
	}

	return headers
}
