package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/recallkit/recall/internal/model"
)

// DispatcherConfig tunes provider access from the query path.
type DispatcherConfig struct {
	// MaxConcurrent bounds in-flight provider calls. Default 4.
	MaxConcurrent int
	// QueueWait is how long a caller waits for a slot before being rejected
	// with ErrResourceLimit. Default 2s.
	QueueWait time.Duration
	// CallTimeout bounds one provider call. Default 10s.
	CallTimeout time.Duration
	// CacheMaxBytes bounds the query-embedding cache. Default 8 MiB.
	CacheMaxBytes int64
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.CacheMaxBytes <= 0 {
		c.CacheMaxBytes = 8 << 20
	}
	return c
}

// Dispatcher wraps an Embedder with bounded concurrency, per-call timeouts,
// dimension validation, and a cache of recent query embeddings. A burst of
// retrieval calls cannot exhaust the serving pool: excess callers are
// rejected with ErrResourceLimit and degrade to keyword-only search.
type Dispatcher struct {
	embedder Embedder
	cfg      DispatcherConfig
	slots    chan struct{}
	cache    *ristretto.Cache
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher around the given provider.
func NewDispatcher(e Embedder, cfg DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     cfg.CacheMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Dispatcher{
		embedder: e,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		cache:    cache,
		log:      logger,
	}, nil
}

// Dims returns the configured embedding dimension.
func (d *Dispatcher) Dims() int { return d.embedder.Dims() }

// Embed returns the normalized embedding for text, from cache when
// possible. It returns ErrResourceLimit when no slot frees up within the
// queue wait, and ErrDimensionMismatch when the provider returns a vector
// of the wrong length.
func (d *Dispatcher) Embed(ctx context.Context, text string) (Vector, error) {
	if v, ok := d.cache.Get(text); ok {
		if vec, ok := v.(Vector); ok {
			return vec, nil
		}
	}

	select {
	case d.slots <- struct{}{}:
	case <-time.After(d.cfg.QueueWait):
		return nil, fmt.Errorf("%w: %d embedding calls in flight", model.ErrResourceLimit, d.cfg.MaxConcurrent)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.slots }()

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	vec, err := d.embedder.Embed(callCtx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != d.embedder.Dims() {
		d.log.Warn("embedding provider returned wrong dimension",
			"want", d.embedder.Dims(), "got", len(vec))
		return nil, fmt.Errorf("%w: want %d, got %d", model.ErrDimensionMismatch, d.embedder.Dims(), len(vec))
	}

	vec = Normalize(vec)
	d.cache.Set(text, vec, int64(len(vec)*4))
	return vec, nil
}

// Close releases the cache.
func (d *Dispatcher) Close() {
	d.cache.Close()
}
