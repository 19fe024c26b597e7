// Package semantic decides whether a raw entity mention refers to one of a
// set of known candidate entities.
//
// The resolver's exact and fuzzy stages handle identifier hits and close
// name variants; this package is the fallback for the rest. It exposes a
// single contract:
//
//	match, err := matcher.Compare(ctx, "Acme Holdings", candidates)
//	if match.Matched() {
//	    // match.EntityID, match.Confidence
//	}
//
// # Matchers
//
// Two implementations share the Matcher interface:
//
//   - VectorMatcher embeds the mention and every candidate name locally and
//     picks the nearest by cosine similarity. No network calls beyond the
//     embedder itself.
//   - ModelMatcher sends the mention and candidate list to an external
//     OpenAI-compatible chat model with a strict JSON output contract and
//     validates the answer against the candidate set.
//
// Use NewMatcher to construct one from configuration.
//
// # Alias index
//
// AliasIndex persists entity name vectors so the resolver can widen its
// candidate set beyond fuzzy hits. The default backend is embedded
// chromem-go (zero external services); Qdrant is available for deployments
// that already run one.
//
// # Embedders
//
// Embedder abstracts vector generation. The "remote" provider speaks the
// OpenAI embeddings API (works against TEI and OpenAI), and the "local"
// provider runs ONNX models via FastEmbed with no network dependency.
package semantic
