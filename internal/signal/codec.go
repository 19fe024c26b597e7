package signal

import (
	"encoding/json"
	"fmt"
)

// Decode parses and validates a wire-format signal. Unknown fields are
// ignored. Any syntax, type or required-field failure wraps
// ErrMalformedSignal; a decode failure means the payload never existed as far
// as the registry and the dead-letter log are concerned.
func Decode(data []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode signal: %v: %w", err, ErrMalformedSignal)
	}
	if s.Mention.EntityType == "" {
		s.Mention.EntityType = EntityCompany
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	return &s, nil
}

// Encode is the inverse of Decode, used by the replay tooling and tests.
func Encode(s *Signal) ([]byte, error) {
	return json.Marshal(s)
}
