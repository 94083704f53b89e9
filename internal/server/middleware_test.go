package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestIDMiddleware_GeneratesIDWhenAbsent(t *testing.T) {
	engine := gin.New()
	engine.Use(requestIDMiddleware())
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("expected a generated request id header on the response")
	}
}

func TestRequestIDMiddleware_EchoesSuppliedID(t *testing.T) {
	engine := gin.New()
	engine.Use(requestIDMiddleware())
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(requestIDHeader, "caller-supplied-id")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "caller-supplied-id" {
		t.Errorf("expected echoed request id, got %q", got)
	}
}

func TestCORSMiddleware_AnswersPreflightWithNoContent(t *testing.T) {
	engine := gin.New()
	engine.Use(corsMiddleware())
	engine.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for an OPTIONS preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header set")
	}
}

func TestAPIKeyAuthMiddleware_DisabledWhenConfigEmpty(t *testing.T) {
	cfg := &config.Config{APIKey: ""}
	engine := gin.New()
	engine.Use(apiKeyAuthMiddleware(cfg, logging.Nop()))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected requests to pass through when no API key is configured, got %d", rec.Code)
	}
}

func TestAPIKeyAuthMiddleware_RejectsMissingOrWrongKey(t *testing.T) {
	cfg := &config.Config{APIKey: "secret"}
	engine := gin.New()
	engine.Use(apiKeyAuthMiddleware(cfg, logging.Nop()))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with no key supplied, got %d", rec.Code)
	}
}

func TestAPIKeyAuthMiddleware_AcceptsBearerToken(t *testing.T) {
	cfg := &config.Config{APIKey: "secret"}
	engine := gin.New()
	engine.Use(apiKeyAuthMiddleware(cfg, logging.Nop()))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with a valid bearer token, got %d", rec.Code)
	}
}

func TestAPIKeyAuthMiddleware_AcceptsXAPIKeyHeader(t *testing.T) {
	cfg := &config.Config{APIKey: "secret"}
	engine := gin.New()
	engine.Use(apiKeyAuthMiddleware(cfg, logging.Nop()))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with a valid X-API-Key header, got %d", rec.Code)
	}
}

func TestBodySizeLimitMiddleware_RejectsOversizedBody(t *testing.T) {
	engine := gin.New()
	engine.Use(bodySizeLimitMiddleware(10))
	engine.POST("/x", func(c *gin.Context) {
		_, err := c.GetRawData()
		if err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("this body is far larger than ten bytes"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for an oversized body, got %d", rec.Code)
	}
}

func TestSilentHandlerMiddleware_AnswersTelemetryPing(t *testing.T) {
	engine := gin.New()
	engine.Use(silentHandlerMiddleware())
	engine.NoRoute(func(c *gin.Context) { c.Status(http.StatusNotFound) })

	req := httptest.NewRequest(http.MethodPost, "/api/event_logging/batch", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected telemetry ping answered with 200, got %d", rec.Code)
	}
}
