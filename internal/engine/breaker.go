package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sony/gobreaker"

	"github.com/lazypower/cortex/internal/config"
	"github.com/lazypower/cortex/internal/graph"
	"github.com/lazypower/cortex/internal/llm"
)

// newBreaker builds a circuit breaker that trips once enough of the recent
// calls have failed.
func newBreaker(name string, cfg config.BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= cfg.ReadyToTripRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("breaker: %s %s -> %s", name, from, to)
		},
	})
}

// unavailable maps transport failures, timeouts and open breakers onto the
// DependencyUnavailable sentinel.
func unavailable(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, graph.ErrDependencyUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", what, graph.ErrDependencyUnavailable, err)
}

// breakerEmbedder guards an Embedder.
type breakerEmbedder struct {
	Embedder
	cb *gobreaker.CircuitBreaker
}

func (b *breakerEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.Embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, unavailable("embed", err)
	}
	return out.([]float64), nil
}

// breakerExtractor guards an Extractor.
type breakerExtractor struct {
	Extractor
	cb *gobreaker.CircuitBreaker
}

func (b *breakerExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.Extractor.Extract(ctx, text)
	})
	if err != nil {
		return nil, unavailable("extract", err)
	}
	return out.(*Extraction), nil
}

// breakerLLM guards an llm.Client.
type breakerLLM struct {
	client llm.Client
	cb     *gobreaker.CircuitBreaker
}

func (b *breakerLLM) Complete(ctx context.Context, prompt string) (*llm.Response, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.client.Complete(ctx, prompt)
	})
	if err != nil {
		return nil, unavailable("llm", err)
	}
	return out.(*llm.Response), nil
}

// GuardEmbedder wraps emb in a breaker unless breakers are disabled.
func GuardEmbedder(emb Embedder, cfg config.BreakerConfig) Embedder {
	if emb == nil || !cfg.Enabled {
		return emb
	}
	return &breakerEmbedder{Embedder: emb, cb: newBreaker("embedder", cfg)}
}

// GuardExtractor wraps ex in a breaker unless breakers are disabled.
func GuardExtractor(ex Extractor, cfg config.BreakerConfig) Extractor {
	if ex == nil || !cfg.Enabled {
		return ex
	}
	return &breakerExtractor{Extractor: ex, cb: newBreaker("extractor", cfg)}
}

// GuardLLM wraps client in a breaker unless breakers are disabled.
func GuardLLM(client llm.Client, cfg config.BreakerConfig) llm.Client {
	if client == nil || !cfg.Enabled {
		return client
	}
	return &breakerLLM{client: client, cb: newBreaker("llm", cfg)}
}
