package embed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/recallkit/recall/internal/model"
)

// blockingEmbedder parks every call until released.
type blockingEmbedder struct {
	release chan struct{}
	dims    int
}

func (b *blockingEmbedder) Embed(ctx context.Context, _ string) (Vector, error) {
	select {
	case <-b.release:
		return make(Vector, b.dims), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingEmbedder) Dims() int { return b.dims }

// wrongDimsEmbedder returns vectors one element short.
type wrongDimsEmbedder struct{ dims int }

func (w *wrongDimsEmbedder) Embed(context.Context, string) (Vector, error) {
	return make(Vector, w.dims-1), nil
}

func (w *wrongDimsEmbedder) Dims() int { return w.dims }

func newTestDispatcher(t *testing.T, e Embedder, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(e, cfg, nil)
	if err != nil {
		t.Fatalf("create dispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDispatcherBackpressure(t *testing.T) {
	be := &blockingEmbedder{release: make(chan struct{}), dims: 8}
	d := newTestDispatcher(t, be, DispatcherConfig{
		MaxConcurrent: 1,
		QueueWait:     20 * time.Millisecond,
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Embed(ctx, "occupies the only slot")
	}()

	// Give the first call time to take the slot.
	time.Sleep(10 * time.Millisecond)

	_, err := d.Embed(ctx, "rejected")
	if !errors.Is(err, model.ErrResourceLimit) {
		t.Errorf("expected ErrResourceLimit, got %v", err)
	}

	close(be.release)
	wg.Wait()
}

func TestDispatcherDimensionMismatch(t *testing.T) {
	d := newTestDispatcher(t, &wrongDimsEmbedder{dims: 8}, DispatcherConfig{})
	_, err := d.Embed(context.Background(), "whatever")
	if !errors.Is(err, model.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestDispatcherNormalizesAndEmbeds(t *testing.T) {
	d := newTestDispatcher(t, NewHashEmbedder(64), DispatcherConfig{})
	vec, err := d.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 64 {
		t.Fatalf("expected 64 dims, got %d", len(vec))
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm < 0.999 || norm > 1.001 {
		t.Errorf("expected unit vector, got norm %f", norm)
	}
}

func TestDispatcherCallTimeout(t *testing.T) {
	be := &blockingEmbedder{release: make(chan struct{}), dims: 8}
	d := newTestDispatcher(t, be, DispatcherConfig{CallTimeout: 20 * time.Millisecond})
	defer close(be.release)

	_, err := d.Embed(context.Background(), "too slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
