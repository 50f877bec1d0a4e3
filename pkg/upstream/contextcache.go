package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zyr3x/opengemini/pkg/utils"
)

// ContextCache reuses server-side context handles for long system
// instructions, keyed by (model, system text). Creation failures are
// swallowed; the caller just inlines the instruction instead.
type ContextCache struct {
	client    *Client
	ttl       time.Duration
	minTokens int

	mu      sync.Mutex
	entries map[string]contextEntry
	group   singleflight.Group
	now     func() time.Time
}

type contextEntry struct {
	name    string
	expires time.Time
}

func NewContextCache(client *Client, ttl time.Duration, minTokens int) *ContextCache {
	return &ContextCache{
		client:    client,
		ttl:       ttl,
		minTokens: minTokens,
		entries:   make(map[string]contextEntry),
		now:       time.Now,
	}
}

// Handle returns a cached-content handle for the system instruction, creating
// one upstream on first sight. Returns false when the instruction is below
// the caching threshold or the handle could not be obtained.
func (cc *ContextCache) Handle(ctx context.Context, apiKey, model string, system *Content) (string, bool) {
	if cc == nil || system == nil {
		return "", false
	}

	text := system.JoinedText()
	if text == "" || utils.EstimateTokens(text) < cc.minTokens {
		return "", false
	}

	key := contextCacheKey(model, text)

	cc.mu.Lock()
	cc.purgeLocked()
	if entry, ok := cc.entries[key]; ok {
		cc.mu.Unlock()
		return entry.name, true
	}
	cc.mu.Unlock()

	v, err, _ := cc.group.Do(key, func() (interface{}, error) {
		cc.mu.Lock()
		if entry, ok := cc.entries[key]; ok {
			cc.mu.Unlock()
			return entry.name, nil
		}
		cc.mu.Unlock()

		name, err := cc.client.CreateCachedContent(ctx, apiKey, model, system, cc.ttl)
		if err != nil {
			return "", err
		}

		cc.mu.Lock()
		// Local expiry runs ahead of the upstream's, so a handle we hand
		// out is never already dead.
		cc.entries[key] = contextEntry{
			name:    name,
			expires: cc.now().Add(cc.ttl * 9 / 10),
		}
		cc.mu.Unlock()
		return name, nil
	})
	if err != nil {
		slog.Debug("Context cache create failed, inlining system instruction",
			"model", model, "error", err)
		return "", false
	}
	return v.(string), true
}

// Size reports the number of live handles.
func (cc *ContextCache) Size() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.purgeLocked()
	return len(cc.entries)
}

func (cc *ContextCache) purgeLocked() {
	now := cc.now()
	for key, entry := range cc.entries {
		if entry.expires.Before(now) {
			delete(cc.entries, key)
		}
	}
}

func contextCacheKey(model, systemText string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(systemText))
	return hex.EncodeToString(h.Sum(nil))
}
