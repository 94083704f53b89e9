// Package config holds the runtime-configurable knobs plus the compiled-in
// constants the rest of the module treats as domain facts (endpoints,
// headers, backoff tiers, model-family detection). Config is an explicit,
// constructor-built value — no package-level singleton, no mutable global.
package config

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
)

// Cloud Code API endpoints, in fallback order for generateContent calls.
const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// LoadCodeAssistEndpointOrder discovers a project against prod first —
// loadCodeAssist behaves better there for fresh, unprovisioned accounts.
var LoadCodeAssistEndpointOrder = []string{EndpointProd, EndpointDaily}

// Config is the resolved runtime configuration for one process.
type Config struct {
	Port     int
	Host     string
	LogLevel string

	AccountsPath     string
	DefaultProjectID string

	// APIKey gates the /v1/* routes; an empty value disables the check
	// entirely, matching the source's opt-in auth behavior.
	APIKey string

	// ModelMapping lets an operator alias a client-requested model name to
	// a different one before dispatch (e.g. routing a legacy model id at
	// a fixed mapping rather than through the Ledger's fallback chain).
	ModelMapping map[string]string

	FallbackEnabled bool
	DevMode         bool

	SelectionStrategy accountpool.Strategy
	StickyWindowMs    int64
	CooldownMs        int64
	MaxRetries        int

	EndpointFallbacks []string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthUserInfoURL  string

	AntigravityDBPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	UseRedis      bool
}

// Load builds a Config from environment variables, falling back to the
// documented defaults for anything unset.
func Load() *Config {
	cfg := &Config{
		Port:              envInt("PORT", 8080),
		Host:              envString("HOST", "0.0.0.0"),
		LogLevel:          envString("LOG_LEVEL", "info"),
		AccountsPath:      envString("ACCOUNTS_PATH", defaultAccountsPath()),
		DefaultProjectID:  envString("DEFAULT_PROJECT_ID", "rising-fact-p41fc"),
		APIKey:            envString("API_KEY", ""),
		FallbackEnabled:   envString("FALLBACK", "") == "true",
		DevMode:           envString("DEV_MODE", "") == "true",
		SelectionStrategy: accountpool.Strategy(envString("SELECTION_STRATEGY", string(accountpool.StrategySticky))),
		StickyWindowMs:    envInt64("STICKY_WINDOW_MS", accountpool.StickyWindowMs),
		CooldownMs:        envInt64("COOLDOWN_MS", 60_000),
		MaxRetries:        envInt("MAX_RETRIES", 5),
		EndpointFallbacks: []string{EndpointDaily, EndpointProd},

		OAuthClientID:     envString("OAUTH_CLIENT_ID", "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"),
		OAuthClientSecret: envString("OAUTH_CLIENT_SECRET", "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"),
		OAuthTokenURL:     envString("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		OAuthUserInfoURL:  envString("OAUTH_USERINFO_URL", "https://www.googleapis.com/oauth2/v1/userinfo"),

		AntigravityDBPath: envString("ANTIGRAVITY_DB_PATH", defaultAntigravityDBPath()),

		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envString("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),
		UseRedis:      envString("ACCOUNT_STORE", "file") == "redis",
	}
	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func defaultAccountsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/.config/antigravity-proxy-go/accounts.json"
}

func defaultAntigravityDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	switch runtime.GOOS {
	case "darwin":
		return home + "/Library/Application Support/Antigravity/User/globalStorage/state.vscdb"
	case "windows":
		return home + "/AppData/Roaming/Antigravity/User/globalStorage/state.vscdb"
	default:
		return home + "/.config/Antigravity/User/globalStorage/state.vscdb"
	}
}

// LoadCodeAssistHeaders are the headers every Cloud Code API call carries.
func (c *Config) LoadCodeAssistHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH),
		"X-Goog-Api-Client":  "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":    `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`,
	}
}

// CapacityBackoffTiersMs is the progressive backoff ladder for model
// capacity exhaustion (503/529), in arrival order (§4.5, §10.5).
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs is the progressive ladder for QUOTA_EXHAUSTED
// errors: 1m, 5m, 30m, 2h (§10.5).
var QuotaExhaustedBackoffTiersMs = []int64{60_000, 300_000, 1_800_000, 7_200_000}

// RequestBodyLimit caps the size of an inbound /v1/messages request body.
const RequestBodyLimit = 10 << 20 // 10MB

// DefaultPort is used when neither a flag nor PORT env var sets one.
const DefaultPort = 8080

// MaxEmptyResponseRetries bounds retries on a stream that never opened a
// content block (§4.4, §10.5).
const MaxEmptyResponseRetries = 2

// MaxCapacityRetries bounds how many times a single account retries the
// same request in place on 503/529/MODEL_CAPACITY_EXHAUSTED before the
// dispatcher gives up on it and moves to the next account (§4.5, §10.5).
var MaxCapacityRetries = len(CapacityBackoffTiersMs)

// MinSignatureLength is the shortest thinking/thoughtSignature value treated
// as valid; shorter values are placeholders and must be dropped (§4.4, §10.5).
const MinSignatureLength = 50

// GeminiMaxOutputTokens caps generationConfig.maxOutputTokens for Gemini
// models regardless of what the client requested (§10.5).
const GeminiMaxOutputTokens = 16384

// RateLimitDedupWindowMs suppresses re-marking the same account/model
// rate-limited within this window of the first report (§4.1 dedup note).
const RateLimitDedupWindowMs = 2000

// ModelFallbackMap maps a primary model to the model tried next when quota
// is exhausted on every account for it (§10.5).
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-5-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-5-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// GetFallbackModel returns the configured fallback for modelName, if any.
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

// ModelFamily names the upstream wire protocol family a model belongs to.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily classifies modelName by substring (§10.5).
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	switch {
	case strings.Contains(lower, "claude"):
		return ModelFamilyClaude
	case strings.Contains(lower, "gemini"):
		return ModelFamilyGemini
	default:
		return ModelFamilyUnknown
	}
}

var geminiVersionPattern = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether modelName should produce extended
// thinking/reasoning output: any model with "thinking" in the name
// (case-insensitive), or any Gemini model version 3 and above.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "thinking") {
		return true
	}
	if strings.Contains(lower, "gemini") {
		if m := geminiVersionPattern.FindStringSubmatch(lower); len(m) == 2 {
			if v, err := strconv.Atoi(m[1]); err == nil && v >= 3 {
				return true
			}
		}
	}
	return false
}

// IgnoreTaggedSystemInstruction is appended to every outbound system
// instruction as an inert marker the upstream is documented to special-case
// around persona leakage (§10.5).
const IgnoreTaggedSystemInstruction = "[ignore] This proxy translates between wire formats; it carries no persona of its own."

// Preset bundles a coherent set of the knobs above for quick operator
// selection, mirroring the source's server presets (§10.2).
type Preset struct {
	Name              string
	SelectionStrategy accountpool.Strategy
	CooldownMs        int64
	MaxRetries        int
	StickyWindowMs    int64
}

// Presets are the three named presets this module ships with.
var Presets = []Preset{
	{
		Name:              "Default",
		SelectionStrategy: accountpool.StrategySticky,
		CooldownMs:        60_000,
		MaxRetries:        5,
		StickyWindowMs:    accountpool.StickyWindowMs,
	},
	{
		Name:              "Many Accounts",
		SelectionStrategy: accountpool.StrategyRoundRobin,
		CooldownMs:        30_000,
		MaxRetries:        8,
		StickyWindowMs:    15_000,
	},
	{
		Name:              "Conservative",
		SelectionStrategy: accountpool.StrategySticky,
		CooldownMs:        120_000,
		MaxRetries:        3,
		StickyWindowMs:    120_000,
	},
}

// ApplyPreset overwrites the preset-covered fields of c with preset's values.
func (c *Config) ApplyPreset(preset Preset) {
	c.SelectionStrategy = preset.SelectionStrategy
	c.CooldownMs = preset.CooldownMs
	c.MaxRetries = preset.MaxRetries
	c.StickyWindowMs = preset.StickyWindowMs
}
