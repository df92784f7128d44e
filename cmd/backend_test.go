package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/proposal-review/internal/config"
	"github.com/sells-group/proposal-review/internal/store"
)

func TestInitStore(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite migrates", func(t *testing.T) {
		c := &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "r.db")}}
		st, err := initStore(ctx, c)
		require.NoError(t, err)
		defer st.Close() //nolint:errcheck

		list, err := st.ListProposals(ctx, store.ProposalFilter{})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("unknown driver", func(t *testing.T) {
		c := &config.Config{Store: config.StoreConfig{Driver: "mysql", DatabaseURL: "x"}}
		_, err := initStore(ctx, c)
		assert.ErrorContains(t, err, "unknown driver")
	})
}

func TestInitBackend_API(t *testing.T) {
	c := &config.Config{Backend: config.BackendAPI, API: config.APIConfig{BaseURL: "http://localhost:1", TimeoutSecs: 1}}
	p, closeFn, err := initBackend(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, closeFn)
	closeFn()
	assert.NotNil(t, p)
}
