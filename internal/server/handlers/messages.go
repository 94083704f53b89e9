package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/coreerrors"
	"github.com/poemonsense/antigravity-proxy-go/internal/dispatcher"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
	"github.com/poemonsense/antigravity-proxy-go/internal/server/sse"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

const defaultMaxTokens = 4096

// MessagesHandler serves the Anthropic-compatible /v1/messages endpoint,
// both streaming and unary, on top of the Dispatcher.
type MessagesHandler struct {
	dispatcher *dispatcher.Dispatcher
	cfg        *config.Config
	logger     *logging.Logger
	validate   *validator.Validate
}

// NewMessagesHandler builds a MessagesHandler.
func NewMessagesHandler(d *dispatcher.Dispatcher, cfg *config.Config, logger *logging.Logger) *MessagesHandler {
	return &MessagesHandler{
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		validate:   validator.New(),
	}
}

// Messages handles POST /v1/messages.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}

	if mapped, ok := h.cfg.ModelMapping[req.Model]; ok && mapped != "" {
		h.logger.Info("mapping requested model", logging.Model(req.Model), zap.String("mappedTo", mapped))
		req.Model = mapped
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}

	if err := h.validate.Struct(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	if req.Stream {
		h.handleStreaming(c, &req)
	} else {
		h.handleUnary(c, &req)
	}
}

func (h *MessagesHandler) handleUnary(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	resp, err := h.dispatcher.SendMessage(ctx, req, h.cfg.FallbackEnabled)
	if err != nil {
		h.logger.Error("dispatch failed", logging.Model(req.Model), logging.Err(err))
		h.sendError(c, coreerrors.HTTPStatus(err), coreerrors.Kind(err), err.Error())
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleStreaming pulls the first event/error off the Dispatcher's channels
// before committing any response headers, so a connection failure can still
// be rendered as a plain JSON error instead of a half-open SSE stream.
func (h *MessagesHandler) handleStreaming(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	events, errs := h.dispatcher.StreamMessage(ctx, req)

	var firstEvent *anthropic.SSEEvent
	var firstErr error

	select {
	case ev, ok := <-events:
		if !ok {
			firstErr = <-errs
		} else {
			firstEvent = ev
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		h.logger.Error("stream connect failed", logging.Model(req.Model), logging.Err(firstErr))
		h.sendError(c, coreerrors.HTTPStatus(firstErr), coreerrors.Kind(firstErr), firstErr.Error())
		return
	}

	sseWriter, err := sse.NewWriter(c.Writer)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	sseWriter.SetHeaders()
	sseWriter.Flush()

	if firstEvent != nil {
		if err := sseWriter.WriteEvent(string(firstEvent.Type), firstEvent); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sseWriter.WriteEvent(string(ev.Type), ev); err != nil {
				h.logger.Warn("error writing SSE event", logging.Err(err))
				return
			}
		case err := <-errs:
			if err != nil {
				h.logger.Error("mid-stream error", logging.Model(req.Model), logging.Err(err))
				_ = sseWriter.WriteError(coreerrors.Kind(err), err.Error())
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// CountTokens handles POST /v1/messages/count_tokens, which this proxy does
// not implement — Cloud Code has no equivalent endpoint to delegate to.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "not_implemented",
			"message": "Token counting is not implemented by this proxy.",
		},
	})
}

func (h *MessagesHandler) sendError(c *gin.Context, status int, errorType, message string) {
	c.JSON(status, anthropic.NewErrorResponse(errorType, message))
}
