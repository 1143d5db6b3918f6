// Package embed turns chunk text into fixed-dimension vectors, splitting
// oversized inputs into batches and retrying failed ones so a slow or
// oversized batch can't surface as a silent partial failure.
package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/corpusvoice/anima/llm"
)

// Config controls batching and retry behaviour.
type Config struct {
	BatchSize  int
	Dim        int
	MaxRetries int
	BaseDelay  time.Duration
}

// Embedder wraps an llm.Provider's Embed call with batching and retry.
type Embedder struct {
	provider llm.Provider
	cfg      Config
}

func New(provider llm.Provider, cfg Config) *Embedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &Embedder{provider: provider, cfg: cfg}
}

// Embed generates one vector per input text. Splitting into batches is
// transparent to the caller: the returned slice always has exactly
// len(texts) entries, in input order, or an error — there is no
// partial-batch hole where some inputs silently got no vector.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := e.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("anima: embedding batch [%d:%d]: %w", start, end, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("anima: embedding provider returned %d vectors for %d inputs", len(vectors), len(batch))
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *Embedder) embedBatchWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	delay := e.cfg.BaseDelay
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		vectors, err := e.provider.Embed(ctx, batch)
		if err == nil {
			if dimErr := e.checkDims(vectors); dimErr != nil {
				return nil, dimErr
			}
			return vectors, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("exhausted %d retries: %w", e.cfg.MaxRetries, lastErr)
}

func (e *Embedder) checkDims(vectors [][]float32) error {
	if e.cfg.Dim <= 0 {
		return nil
	}
	for i, v := range vectors {
		if len(v) != e.cfg.Dim {
			return fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), e.cfg.Dim)
		}
	}
	return nil
}
