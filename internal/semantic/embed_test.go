package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedderConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  EmbedderConfig
		want EmbedderConfig
	}{
		{
			name: "zero value",
			cfg:  EmbedderConfig{},
			want: EmbedderConfig{
				Provider:  "remote",
				BaseURL:   "http://localhost:8080/v1",
				Model:     "BAAI/bge-small-en-v1.5",
				MaxLength: 512,
				Dimension: 384,
			},
		},
		{
			name: "dimension from model table",
			cfg:  EmbedderConfig{Model: "text-embedding-3-small"},
			want: EmbedderConfig{
				Provider:  "remote",
				BaseURL:   "http://localhost:8080/v1",
				Model:     "text-embedding-3-small",
				MaxLength: 512,
				Dimension: 1536,
			},
		},
		{
			name: "explicit dimension wins",
			cfg:  EmbedderConfig{Model: "text-embedding-3-small", Dimension: 256},
			want: EmbedderConfig{
				Provider:  "remote",
				BaseURL:   "http://localhost:8080/v1",
				Model:     "text-embedding-3-small",
				MaxLength: 512,
				Dimension: 256,
			},
		},
		{
			name: "unknown model falls back to 384",
			cfg:  EmbedderConfig{Model: "acme/secret-encoder"},
			want: EmbedderConfig{
				Provider:  "remote",
				BaseURL:   "http://localhost:8080/v1",
				Model:     "acme/secret-encoder",
				MaxLength: 512,
				Dimension: 384,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()
			assert.Equal(t, tt.want, tt.cfg)
		})
	}
}

func TestNewEmbedder_UnsupportedProvider(t *testing.T) {
	_, err := NewEmbedder(EmbedderConfig{Provider: "carrier-pigeon"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewRemoteEmbedder(t *testing.T) {
	emb, err := newRemoteEmbedder(EmbedderConfig{
		BaseURL:   "http://localhost:8080/v1",
		Model:     "BAAI/bge-small-en-v1.5",
		Dimension: 384,
	})
	require.NoError(t, err)
	assert.Equal(t, 384, emb.Dimension())
	assert.NoError(t, emb.Close())
}

func TestNewRemoteEmbedder_Validation(t *testing.T) {
	_, err := newRemoteEmbedder(EmbedderConfig{Model: "BAAI/bge-small-en-v1.5"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = newRemoteEmbedder(EmbedderConfig{BaseURL: "http://localhost:8080/v1"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
