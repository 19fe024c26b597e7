package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewMatcher(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		embedder Embedder
		wantType any
		wantErr  bool
	}{
		{
			name:     "vector by default",
			cfg:      Config{},
			embedder: newStubEmbedder(),
			wantType: &VectorMatcher{},
		},
		{
			name:     "vector explicit",
			cfg:      Config{Provider: "vector"},
			embedder: newStubEmbedder(),
			wantType: &VectorMatcher{},
		},
		{
			name:     "model",
			cfg:      Config{Provider: "model", Model: ModelConfig{APIKey: "sk-test"}},
			wantType: &ModelMatcher{},
		},
		{
			name:    "model without API key",
			cfg:     Config{Provider: "model"},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			cfg:     Config{Provider: "ouija"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matcher, err := NewMatcher(tt.cfg, tt.embedder, zap.NewNop())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, matcher)
		})
	}
}

func TestMatch_Matched(t *testing.T) {
	assert.False(t, Match{}.Matched())
	assert.False(t, Match{Confidence: 0.9}.Matched())
	assert.True(t, Match{EntityID: "ent-1", Confidence: 0.9}.Matched())
}
