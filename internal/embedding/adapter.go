// Package embedding isolates the pipeline from the embedding model: it
// batches requests, runs batches in parallel, caches vectors by exact text,
// normalizes them to unit length and retries transient model failures.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"policyqa/internal/domain"
	"policyqa/internal/metrics"
)

const (
	DefaultBatchSize  = 32
	DefaultWorkers    = 4
	DefaultMaxRetries = 3

	// NoRetries as Options.MaxRetries makes a single attempt per batch.
	NoRetries = -1

	maxBackoff = 5 * time.Second
)

// Options configures an Adapter. Zero sizes, worker counts and retry
// budgets select the defaults.
type Options struct {
	BatchSize    int
	Workers      int
	// MaxRetries is the retry budget per batch; any negative value disables
	// retries.
	MaxRetries   int
	// CallTimeout bounds a single model call; a call that times out counts
	// as a transient failure.
	CallTimeout  time.Duration
	Normalize    bool
	DisableCache bool
	// Backoff overrides the delay before retry attempt n (0-based).
	Backoff      func(attempt int) time.Duration
	Metrics      *metrics.Metrics
}

// Adapter wraps a Model. Vectors it returns are shared with its cache and
// must be treated as read-only.
type Adapter struct {
	model  Model
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	cache     map[string][]float64
	dimension int
}

// NewAdapter creates an adapter around model.
func NewAdapter(model Model, opts Options, logger *slog.Logger) *Adapter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.Backoff == nil {
		opts.Backoff = retryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		model:  model,
		opts:   opts,
		logger: logger,
		cache:  make(map[string][]float64),
	}
}

// ModelName returns the name of the wrapped model.
func (a *Adapter) ModelName() string { return a.model.Name() }

// Model returns the wrapped model.
func (a *Adapter) Model() Model { return a.model }

// Dimension returns the vector size seen so far, or 0 before the first call.
func (a *Adapter) Dimension() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dimension
}

// Normalizes reports whether returned vectors are unit length.
func (a *Adapter) Normalizes() bool { return a.opts.Normalize }

// EmbedOne embeds a single text.
func (a *Adapter) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	out, err := a.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Embed returns one vector per text in input order. Either every text gets
// a vector or an error is returned; no partial results are cached.
func (a *Adapter) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	// Unique cache misses in first-seen order.
	var missing []string
	seen := make(map[string]struct{})
	a.mu.RLock()
	for i, t := range texts {
		if v, ok := a.cache[t]; ok && !a.opts.DisableCache {
			out[i] = v
			continue
		}
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			missing = append(missing, t)
		}
	}
	a.mu.RUnlock()
	a.opts.Metrics.ObserveCache(len(texts)-len(missing), len(missing))

	if len(missing) > 0 {
		fresh, err := a.embedMissing(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i, t := range texts {
			if out[i] == nil {
				out[i] = fresh[t]
			}
		}
	}
	return out, nil
}

func (a *Adapter) embedMissing(ctx context.Context, texts []string) (map[string][]float64, error) {
	var batches [][]string
	for start := 0; start < len(texts); start += a.opts.BatchSize {
		end := min(start+a.opts.BatchSize, len(texts))
		batches = append(batches, texts[start:end])
	}

	results := make([][][]float64, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			vecs, err := a.callWithRetry(gctx, batch)
			if err != nil {
				return err
			}
			results[i] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	dim := a.dimension
	fresh := make(map[string][]float64, len(texts))
	for i, batch := range batches {
		for j, text := range batch {
			v := results[i][j]
			if len(v) == 0 {
				return nil, &domain.EmbeddingError{Attempts: 1, Err: fmt.Errorf("model %s returned an empty vector", a.model.Name())}
			}
			if dim == 0 {
				dim = len(v)
			}
			if len(v) != dim {
				return nil, fmt.Errorf("embed %q: model returned %d dims, want %d: %w",
					truncate(text, 40), len(v), dim, domain.ErrDimensionMismatch)
			}
			if a.opts.Normalize {
				v = Normalize(v)
			}
			fresh[text] = v
		}
	}
	a.dimension = dim
	if !a.opts.DisableCache {
		for text, v := range fresh {
			a.cache[text] = v
		}
	}
	return fresh, nil
}

// callWithRetry invokes the model for one batch, retrying transient errors
// with exponential backoff until the retry budget is spent.
func (a *Adapter) callWithRetry(ctx context.Context, batch []string) ([][]float64, error) {
	var lastErr error
	for attempt := 0; attempt <= a.opts.MaxRetries; attempt++ {
		vecs, err := a.call(ctx, batch)
		a.opts.Metrics.ObserveModelCall(err)
		if err == nil {
			if len(vecs) != len(batch) {
				return nil, &domain.EmbeddingError{
					Attempts: attempt + 1,
					Err:      fmt.Errorf("model %s returned %d vectors for %d texts", a.model.Name(), len(vecs), len(batch)),
				}
			}
			return vecs, nil
		}
		lastErr = err
		if cerr := ctx.Err(); cerr != nil {
			return nil, &domain.EmbeddingError{Attempts: attempt + 1, Err: errors.Join(cerr, err)}
		}
		if !a.retryable(err) {
			return nil, &domain.EmbeddingError{Attempts: attempt + 1, Err: err}
		}
		if attempt == a.opts.MaxRetries {
			break
		}

		wait := a.opts.Backoff(attempt)
		var te *TransientError
		if errors.As(err, &te) && te.RetryAfter > 0 {
			wait = te.RetryAfter
		}
		a.logger.Warn("embedding call failed, retrying",
			"model", a.model.Name(), "attempt", attempt+1, "batch", len(batch), "wait", wait, "err", err)
		a.opts.Metrics.ObserveRetry()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &domain.EmbeddingError{Attempts: attempt + 1, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return nil, &domain.EmbeddingError{Attempts: a.opts.MaxRetries + 1, Err: lastErr}
}

func (a *Adapter) call(ctx context.Context, batch []string) ([][]float64, error) {
	if a.opts.CallTimeout <= 0 {
		return a.model.Embed(ctx, batch)
	}
	cctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()
	return a.model.Embed(cctx, batch)
}

func (a *Adapter) retryable(err error) bool {
	return IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// Normalize returns v scaled to unit L2 norm. A zero vector is returned as is.
func Normalize(v []float64) []float64 {
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	out := make([]float64, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func retryDelay(attempt int) time.Duration {
	// 200ms << 5 already exceeds the cap; larger shifts would overflow.
	attempt = min(max(attempt, 0), 5)
	return min(200*time.Millisecond<<attempt, maxBackoff)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
