// Package utils provides shared helpers for the opengemini proxy.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// EstimateTokens provides the rough token estimation every truncation and
// caching threshold in the proxy is measured with: 4 characters per token.
// It is deliberately not a real tokenizer; decisions made with it only need
// to be stable, not exact.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateTokensDense is the char budget variant used by the tool output
// optimizer (3.5 characters per token, rounded).
func EstimateTokensDense(text string) int {
	return int(float64(len(text))/3.5 + 0.5)
}

// ============================================================================
// TOKEN COUNTING - TIKTOKEN BACKED
// ============================================================================

// TokenCounter produces real token counts for usage reporting when the
// upstream omits usage metadata. Not used for truncation decisions.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for a specific model
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Upstream model names are unknown to tiktoken; cl100k_base is a
		// serviceable approximation for usage accounting.
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text
func (tc *TokenCounter) Count(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.encoding.Encode(text, nil, nil))
}

// GetModel returns the model name this counter is configured for
func (tc *TokenCounter) GetModel() string {
	return tc.model
}
