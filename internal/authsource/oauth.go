// Package authsource provides the concrete collaborators the Credential
// Resolver depends on: an OAuth-based TokenRefresher/ProjectDiscoverer pair
// talking to Google's endpoints, and a sqlite-backed DatabaseAuthReader
// reading the Antigravity desktop app's local token cache.
package authsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/credentials"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
)

// RefreshParts are the components of a composite refresh token, encoded as
// "refreshToken|projectId|managedProjectId" (§6).
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a composite refresh token string.
func ParseRefreshParts(refresh string) RefreshParts {
	parts := strings.Split(refresh, "|")
	var result RefreshParts
	if len(parts) > 0 {
		result.RefreshToken = parts[0]
	}
	if len(parts) > 1 {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		result.ManagedProjectID = parts[2]
	}
	return result
}

// FormatRefreshParts rejoins refresh token parts into the composite form.
func FormatRefreshParts(parts RefreshParts) string {
	base := fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
	if parts.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, parts.ManagedProjectID)
	}
	return base
}

// OAuthRefresher is the reference TokenRefresher: it exchanges a composite
// refresh token for a fresh access token against Google's OAuth endpoint.
// PKCE and the interactive authorization-code exchange are deliberately not
// reproduced here — this proxy only ever consumes refresh tokens that were
// minted elsewhere, it never runs the interactive login flow itself.
type OAuthRefresher struct {
	client *http.Client
	cfg    *config.Config
	logger *logging.Logger
}

// NewOAuthRefresher builds an OAuthRefresher using the given HTTP client.
func NewOAuthRefresher(client *http.Client, cfg *config.Config, logger *logging.Logger) *OAuthRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthRefresher{client: client, cfg: cfg, logger: logger}
}

// Refresh implements credentials.TokenRefresher.
func (o *OAuthRefresher) Refresh(ctx context.Context, compositeRefresh string) (*credentials.RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)

	data := url.Values{
		"client_id":     {o.cfg.OAuthClientID},
		"client_secret": {o.cfg.OAuthClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.OAuthTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed (%d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("refresh response had no access_token")
	}

	return &credentials.RefreshResult{AccessToken: result.AccessToken, ExpiresIn: result.ExpiresIn}, nil
}

// OAuthProjectDiscoverer implements ProjectDiscoverer via loadCodeAssist,
// trying each configured endpoint in turn (§4.2, "discover a project id").
type OAuthProjectDiscoverer struct {
	client *http.Client
	cfg    *config.Config
	logger *logging.Logger
}

// NewOAuthProjectDiscoverer builds an OAuthProjectDiscoverer.
func NewOAuthProjectDiscoverer(client *http.Client, cfg *config.Config, logger *logging.Logger) *OAuthProjectDiscoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthProjectDiscoverer{client: client, cfg: cfg, logger: logger}
}

// DiscoverProject implements credentials.ProjectDiscoverer.
func (d *OAuthProjectDiscoverer) DiscoverProject(ctx context.Context, account *accountpool.Account, token string) (string, error) {
	var lastErr error
	for _, endpoint := range config.LoadCodeAssistEndpointOrder {
		projectID, err := d.tryEndpoint(ctx, endpoint, token)
		if err != nil {
			lastErr = err
			if d.logger != nil {
				d.logger.Warn("project discovery endpoint failed", logging.Account(account.Email), logging.Err(err))
			}
			continue
		}
		if projectID != "" {
			return projectID, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", nil
}

func (d *OAuthProjectDiscoverer) tryEndpoint(ctx context.Context, endpoint, token string) (string, error) {
	reqBody, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(reqBody)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.cfg.LoadCodeAssistHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loadCodeAssist status %d", resp.StatusCode)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}

	if projectID, ok := data["cloudaicompanionProject"].(string); ok && projectID != "" {
		return projectID, nil
	}
	if projectObj, ok := data["cloudaicompanionProject"].(map[string]any); ok {
		if projectID, ok := projectObj["id"].(string); ok && projectID != "" {
			return projectID, nil
		}
	}
	return "", nil
}
