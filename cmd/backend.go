package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/proposal-review/internal/autosave"
	"github.com/sells-group/proposal-review/internal/blocks"
	"github.com/sells-group/proposal-review/internal/config"
	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/resilience"
	"github.com/sells-group/proposal-review/internal/review"
	"github.com/sells-group/proposal-review/internal/store"
	"github.com/sells-group/proposal-review/pkg/proposalapi"
)

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := store.Open(ctx, c.Store.Driver, c.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: c.Store.MaxConns,
		MinConns: c.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func initAPIClient(c *config.Config) *proposalapi.Client {
	return proposalapi.NewClient(c.API.BaseURL, c.API.Token,
		proposalapi.WithHTTPClient(&http.Client{Timeout: time.Duration(c.API.TimeoutSecs) * time.Second}),
		proposalapi.WithRetry(c.API.Retry.Policy()),
		proposalapi.WithRateLimit(c.API.RatePerSec),
		proposalapi.WithBreaker(resilience.NewBreaker(
			c.API.BreakerThreshold,
			time.Duration(c.API.BreakerResetSecs)*time.Second,
		)),
	)
}

// initBackend opens the configured persistence backend. The returned close
// function is never nil.
func initBackend(ctx context.Context, c *config.Config) (review.Persistence, func(), error) {
	switch c.Backend {
	case config.BackendAPI:
		return initAPIClient(c), func() {}, nil
	case config.BackendStore, "":
		st, err := initStore(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil //nolint:errcheck
	default:
		return nil, nil, eris.Errorf("unsupported backend: %s", c.Backend)
	}
}

func sessionOptions(c *config.Config) (review.Options, error) {
	strategy, err := consolidate.ParseStrategy(c.Review.Strategy)
	if err != nil {
		return review.Options{}, err
	}
	classifier, err := blocks.Load(c.Review.BlocksFile)
	if err != nil {
		return review.Options{}, err
	}
	quiet := autosave.DefaultQuiet
	if c.Review.AutosaveQuietMs > 0 {
		quiet = time.Duration(c.Review.AutosaveQuietMs) * time.Millisecond
	}
	return review.Options{
		Strategy:         strategy,
		Classifier:       classifier,
		AutosaveQuiet:    quiet,
		FetchConcurrency: c.Review.FetchConcurrency,
	}, nil
}
