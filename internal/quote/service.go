package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inSight-mk1/DWAD/internal/fetch"
	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/models"
)

const keyPrefix = "dwad:quote:"

// Service serves realtime valuation snapshots with a short-lived cache in
// front of the provider. With Redis configured the cache is shared across
// processes; without it a process-local map with the same TTL applies.
type Service struct {
	fetcher *fetch.Client
	rdb     *redis.Client
	ttl     time.Duration
	logger  *logrus.Entry

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	quote   models.Quote
	expires time.Time
}

// NewService creates a quote service. When cfg.Enabled is false or the Redis
// ping fails, the service degrades to the in-process cache and logs a warning.
func NewService(fetcher *fetch.Client, cfg *config.CacheConfig, logger *logrus.Logger) *Service {
	s := &Service{
		fetcher: fetcher,
		ttl:     cfg.TTL,
		logger:  logger.WithField("component", "quote-service"),
		local:   make(map[string]localEntry),
	}

	if cfg.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			s.logger.WithError(err).Warn("Redis unreachable, using in-process quote cache")
			_ = rdb.Close()
		} else {
			s.rdb = rdb
			s.logger.WithField("addr", cfg.Addr).Info("Quote cache on Redis")
		}
	}

	return s
}

// Close releases the Redis connection if one is held.
func (s *Service) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

// Snapshot returns quotes for the requested symbols, serving cached entries
// where fresh and fetching the rest from the provider in one call.
func (s *Service) Snapshot(ctx context.Context, symbols []string) ([]models.Quote, error) {
	cached := make(map[string]models.Quote, len(symbols))
	var missing []string
	for _, sym := range symbols {
		if q, ok := s.cachedQuote(ctx, sym); ok {
			cached[sym] = q
		} else {
			missing = append(missing, sym)
		}
	}

	if len(missing) > 0 {
		fresh, err := s.fetcher.FetchValuation(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("fetch valuation: %w", err)
		}
		for _, q := range fresh {
			cached[q.Symbol] = q
			s.storeQuote(ctx, q)
		}
	}

	out := make([]models.Quote, 0, len(symbols))
	for _, sym := range symbols {
		if q, ok := cached[sym]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *Service) cachedQuote(ctx context.Context, symbol string) (models.Quote, bool) {
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, keyPrefix+symbol).Bytes()
		if err == nil {
			var q models.Quote
			if jsonErr := json.Unmarshal(raw, &q); jsonErr == nil {
				return q, true
			}
		} else if err != redis.Nil {
			s.logger.WithError(err).Debug("Redis get failed")
		}
		return models.Quote{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.local[symbol]
	if !ok || time.Now().After(e.expires) {
		return models.Quote{}, false
	}
	return e.quote, true
}

func (s *Service) storeQuote(ctx context.Context, q models.Quote) {
	if s.rdb != nil {
		raw, err := json.Marshal(q)
		if err != nil {
			return
		}
		if err := s.rdb.Set(ctx, keyPrefix+q.Symbol, raw, s.ttl).Err(); err != nil {
			s.logger.WithError(err).Debug("Redis set failed")
		}
		return
	}

	s.mu.Lock()
	s.local[q.Symbol] = localEntry{quote: q, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
}
