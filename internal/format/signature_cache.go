package format

import (
	"sync"
	"time"
)

// SignatureCacheTTL is how long a cached thought signature or tool-use
// signature stays valid (§10.5), mirroring the source's 2-hour window.
const SignatureCacheTTL = 2 * time.Hour

type signatureEntry struct {
	value     string
	expiresAt time.Time
}

// SignatureCache remembers Gemini thoughtSignature values keyed by tool-use
// ID (so a stripped signature can be restored on the next turn) and by
// signature value, tagged with the model family that produced it (so a
// thinking block can be dropped rather than sent to an incompatible model
// family on a provider switch). It is an explicit, constructor-built
// dependency — never a package-level singleton.
type SignatureCache struct {
	mu        sync.Mutex
	byToolID  map[string]signatureEntry
	byValue   map[string]signatureEntry // signature -> model family
}

// NewSignatureCache builds an empty, in-memory SignatureCache.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		byToolID: make(map[string]signatureEntry),
		byValue:  make(map[string]signatureEntry),
	}
}

// CacheSignature remembers signature for a tool-use ID.
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byToolID[toolUseID] = signatureEntry{value: signature, expiresAt: time.Now().Add(SignatureCacheTTL)}
}

// GetCachedSignature returns the signature previously cached for toolUseID,
// or "" if absent or expired.
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byToolID[toolUseID]
	if !ok || time.Now().After(entry.expiresAt) {
		return ""
	}
	return entry.value
}

// CacheThinkingSignature remembers which model family produced signature.
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byValue[signature] = signatureEntry{value: modelFamily, expiresAt: time.Now().Add(SignatureCacheTTL)}
}

// GetCachedSignatureFamily returns the model family that produced signature,
// or "" if unknown or expired (a cold cache, treated as "unknown origin").
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byValue[signature]
	if !ok || time.Now().After(entry.expiresAt) {
		return ""
	}
	return entry.value
}

// Clear empties both maps, for tests.
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byToolID = make(map[string]signatureEntry)
	c.byValue = make(map[string]signatureEntry)
}
