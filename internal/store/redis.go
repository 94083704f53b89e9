package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
)

const (
	redisKeyAccountIndex = "antigravity:accounts:index"
	redisKeyAccountHash  = "antigravity:accounts:"
	redisKeySettings     = "antigravity:settings"
)

// RedisStore is an alternate AccountStore backend for operators who already
// run Redis for other state (§10.4's go-redis/v9 wiring). Each account is
// one hash keyed by email; membership is tracked in a set so Load can
// enumerate without a KEYS scan.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a RedisStore over an already-configured client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Load implements AccountStore.
func (r *RedisStore) Load(ctx context.Context) (*accountpool.Pool, error) {
	emails, err := r.client.SMembers(ctx, redisKeyAccountIndex).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list account index: %w", err)
	}

	accounts := make([]*accountpool.Account, 0, len(emails))
	for _, email := range emails {
		data, err := r.client.HGetAll(ctx, redisKeyAccountHash+email).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		accounts = append(accounts, decodeAccountHash(email, data))
	}

	settings := accountpool.DefaultSettings()
	if raw, err := r.client.Get(ctx, redisKeySettings).Result(); err == nil && raw != "" {
		_ = json.Unmarshal([]byte(raw), &settings)
	}

	return accountpool.NewPool(accounts, settings), nil
}

// Save implements AccountStore.
func (r *RedisStore) Save(ctx context.Context, pool *accountpool.Pool) error {
	pool.Lock()
	accounts := make([]*accountpool.Account, len(pool.Accounts))
	copy(accounts, pool.Accounts)
	settings := pool.Settings
	pool.Unlock()

	pipe := r.client.TxPipeline()
	for _, a := range accounts {
		key := redisKeyAccountHash + a.Email
		pipe.HSet(ctx, key, encodeAccountHash(a))
		pipe.SAdd(ctx, redisKeyAccountIndex, a.Email)
	}
	if data, err := json.Marshal(settings); err == nil {
		pipe.Set(ctx, redisKeySettings, string(data), 0)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("save accounts to redis: %w", err)
	}
	return nil
}

func encodeAccountHash(a *accountpool.Account) map[string]any {
	values := map[string]any{
		"email":     a.Email,
		"source":    string(a.Source),
		"isInvalid": strconv.FormatBool(a.IsInvalid),
	}
	if a.RefreshToken != "" {
		values["refreshToken"] = a.RefreshToken
	}
	if a.APIKey != "" {
		values["apiKey"] = a.APIKey
	}
	if a.ProjectID != "" {
		values["projectId"] = a.ProjectID
	}
	if a.InvalidReason != "" {
		values["invalidReason"] = a.InvalidReason
	}
	if a.LastUsed != nil {
		values["lastUsed"] = strconv.FormatInt(*a.LastUsed, 10)
	}
	if a.InvalidAt != nil {
		values["invalidAt"] = strconv.FormatInt(*a.InvalidAt, 10)
	}
	if len(a.ModelRateLimits) > 0 {
		if data, err := json.Marshal(a.ModelRateLimits); err == nil {
			values["modelRateLimits"] = string(data)
		}
	}
	return values
}

func decodeAccountHash(email string, data map[string]string) *accountpool.Account {
	a := &accountpool.Account{Email: email, Source: accountpool.Source(data["source"])}
	a.APIKey = data["apiKey"]
	a.RefreshToken = data["refreshToken"]
	a.ProjectID = data["projectId"]
	a.IsInvalid = data["isInvalid"] == "true"
	a.InvalidReason = data["invalidReason"]
	if v, ok := data["lastUsed"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			a.LastUsed = &n
		}
	}
	if v, ok := data["invalidAt"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			a.InvalidAt = &n
		}
	}
	if v, ok := data["modelRateLimits"]; ok {
		var limits map[string]*accountpool.RateLimitInfo
		if json.Unmarshal([]byte(v), &limits) == nil {
			a.ModelRateLimits = limits
		}
	}
	return a
}
