//go:build !cgo

package semantic

import "errors"

// ErrLocalEmbedderUnavailable is returned when the local ONNX embedder is
// not available (binary built without CGO support, use the remote provider
// instead).
var ErrLocalEmbedderUnavailable = errors.New("local embedder not available (binary built without CGO support, use the remote provider instead)")

// newLocalEmbedder returns an error when CGO is not available.
func newLocalEmbedder(_ EmbedderConfig) (Embedder, error) {
	return nil, ErrLocalEmbedderUnavailable
}
