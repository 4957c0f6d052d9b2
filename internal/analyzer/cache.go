package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// Cache memoizes successful responses of another Analyzer by unit id and
// input, evicting the least recently used entry past size and any entry
// older than ttl. Failures are never cached.
type Cache struct {
	next   Analyzer
	lru    *expirable.LRU[string, json.RawMessage]
	logger *logging.Logger
}

// NewCache wraps next. A size of zero leaves the entry count unbounded.
func NewCache(next Analyzer, size int, ttl time.Duration, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Cache{
		next:   next,
		lru:    expirable.NewLRU[string, json.RawMessage](size, nil, ttl),
		logger: logger,
	}
}

func (c *Cache) Analyze(ctx context.Context, id unit.ID, input any) (json.RawMessage, error) {
	key, ok := cacheKey(id, input)
	if !ok {
		return c.next.Analyze(ctx, id, input)
	}
	if raw, hit := c.lru.Get(key); hit {
		c.logger.Debug(ctx, "analysis cache hit", zap.String("unit.id", string(id)))
		return clone(raw), nil
	}

	raw, err := c.next.Analyze(ctx, id, input)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, clone(raw))
	return raw, nil
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func cacheKey(id unit.ID, input any) (string, bool) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return string(id) + ":" + hex.EncodeToString(sum[:]), true
}

func clone(raw json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), raw...)
}
