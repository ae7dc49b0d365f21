package kb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile(t *testing.T) {
	t.Run("overlays defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schemarag.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
collection: crm_paths
max_hops: 3
chunk_max_bytes: 2048
exclusion:
  prefixes: [TMP_]
  exclude_intermediate: true
index:
  metric: L2
  lists: 64
top_k: 5
embed_timeout: 10s
`), 0o644))

		cfg, err := LoadConfigFile(path)
		require.NoError(t, err)
		assert.Equal(t, "crm_paths", cfg.Collection)
		assert.Equal(t, 3, cfg.MaxHops)
		assert.Equal(t, 2048, cfg.ChunkMaxBytes)
		assert.Equal(t, []string{"TMP_"}, cfg.Exclusion.Prefixes)
		assert.True(t, cfg.Exclusion.ExcludeIntermediate)
		assert.Equal(t, 64, cfg.Index.Lists)
		assert.Equal(t, 16, cfg.Index.M)
		assert.Equal(t, 5, cfg.TopK)
		assert.Equal(t, 10*time.Second, cfg.EmbedTimeout)

		assert.Equal(t, DefaultPageSize, cfg.PageSize)
		assert.Equal(t, DefaultOverFetch, cfg.OverFetch)
		assert.Equal(t, defaultCallTimeout, cfg.RerankTimeout)
		assert.Equal(t, defaultCallTimeout, cfg.StoreTimeout)
		assert.Equal(t, ModePaths, cfg.Mode)
		assert.Equal(t, 32, cfg.Index.Probes)
		assert.Equal(t, 128, cfg.Index.EfSearch)
	})

	t.Run("rejects unsupported settings", func(t *testing.T) {
		tests := []struct {
			name string
			yaml string
			want string
		}{
			{name: "cosine_metric", yaml: "index:\n  metric: cosine\n", want: `metric "cosine"`},
			{name: "inner_product_metric", yaml: "index:\n  metric: IP\n", want: `metric "IP"`},
			{name: "unknown_mode", yaml: "mode: columns\n", want: `mode "columns"`},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "schemarag.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o644))
				_, err := LoadConfigFile(path)
				require.ErrorContains(t, err, tc.want)
			})
		}
	})

	t.Run("tables mode and lowercase metric", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schemarag.yaml")
		require.NoError(t, os.WriteFile(path, []byte("mode: Tables\nstore_timeout: 2s\nindex:\n  metric: l2\n  probes: 8\n"), 0o644))
		cfg, err := LoadConfigFile(path)
		require.NoError(t, err)
		assert.Equal(t, ModeTables, cfg.Mode)
		assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
		assert.Equal(t, 8, cfg.Index.Probes)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("max_hops: [oops"), 0o644))
		_, err := LoadConfigFile(path)
		require.ErrorContains(t, err, "parse config")
	})

	t.Run("non positive values fall back", func(t *testing.T) {
		cfg := Config{MaxHops: -1, TopK: 0}.withDefaults()
		assert.Equal(t, DefaultMaxHops, cfg.MaxHops)
		assert.Equal(t, DefaultTopK, cfg.TopK)
		assert.Equal(t, DefaultCollection, cfg.Collection)
		assert.NoError(t, cfg.Validate())
	})
}

func TestIndexParamsSearchTuning(t *testing.T) {
	assert.Equal(t, 32, DefaultIndexParams().probes())
	assert.Equal(t, 4, IndexParams{Lists: 4, Probes: 10}.probes())
	assert.Equal(t, 32, IndexParams{}.probes())

	assert.Equal(t, 128, DefaultIndexParams().efSearch(100))
	assert.Equal(t, 500, IndexParams{EfSearch: 64}.efSearch(500))
}
