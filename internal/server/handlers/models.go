package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// ModelsHandler serves the static, compiled-in list of models this proxy
// can route to Cloud Code — the fallback map names every model family the
// Dispatcher knows how to dispatch and retarget.
type ModelsHandler struct{}

// NewModelsHandler builds a ModelsHandler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// ListModels handles GET /v1/models in the Anthropic/OpenAI-compatible shape.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	seen := make(map[string]bool)
	var ids []string
	for model, fallback := range config.ModelFallbackMap {
		if !seen[model] {
			seen[model] = true
			ids = append(ids, model)
		}
		if !seen[fallback] {
			seen[fallback] = true
			ids = append(ids, fallback)
		}
	}
	sort.Strings(ids)

	now := time.Now().Unix()
	models := make([]anthropic.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, anthropic.Model{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: "antigravity-proxy",
		})
	}

	c.JSON(http.StatusOK, anthropic.ModelsResponse{
		Object: "list",
		Data:   models,
	})
}
