package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default configuration values for the comparison model.
const (
	defaultModelBaseURL = "https://api.openai.com"
	defaultModelName    = "gpt-4o-mini"
	defaultModelTokens  = 256
	defaultModelTimeout = 30 * time.Second
	defaultMaxRetries   = 3
	defaultBaseBackoff  = 1 * time.Second
)

// Rate limiter defaults: 50 requests per minute.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// ModelConfig holds configuration for the external comparison model.
type ModelConfig struct {
	// BaseURL is the base URL of an OpenAI-compatible chat API.
	BaseURL string

	// Model is the chat model to use.
	Model string

	// APIKey authenticates requests. Required.
	APIKey string

	// Timeout bounds a single HTTP request, in seconds.
	Timeout int
}

// comparePrompt is the system prompt for entity comparison.
const comparePrompt = `You compare a raw business-entity mention against a list of known candidate entities.

Decide whether the mention refers to one of the candidates. Account for abbreviations, punctuation, legal suffixes (Inc, LLC, Ltd, Corp), and reordered words. Do not guess: if no candidate is a plausible match, say so.

Respond with a JSON object containing:
- "candidate_id": the id of the matching candidate, or null if none match
- "confidence": your confidence in the answer (0.0 to 1.0)

Respond ONLY with the JSON object, no additional text.`

// ModelMatcher defers mention comparison to an external chat model.
//
// The model is held to a strict output contract: it must answer with one of
// the offered candidate IDs or null. Answers naming an unknown ID are
// treated as no match.
type ModelMatcher struct {
	model      string
	apiKey     string `json:"-"` // Never serialize API keys
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewModelMatcher creates a ModelMatcher from configuration.
func NewModelMatcher(cfg ModelConfig, logger *zap.Logger) (*ModelMatcher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: comparison model API key required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	model := cfg.Model
	if model == "" {
		model = defaultModelName
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultModelBaseURL
	}

	timeout := defaultModelTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &ModelMatcher{
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries: defaultMaxRetries,
		logger:     logger,
	}, nil
}

// chatRequest is the OpenAI-compatible chat completion request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

// chatMessage is a message in the chat conversation.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the OpenAI-compatible chat completion response.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// chatError is an error response from the chat API.
type chatError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Compare judges whether mention refers to one of the candidates.
func (m *ModelMatcher) Compare(ctx context.Context, mention string, candidates []Candidate) (Match, error) {
	ctx, span := tracer.Start(ctx, "ModelMatcher.Compare")
	defer span.End()

	span.SetAttributes(attribute.Int("candidate_count", len(candidates)))

	if mention == "" {
		return Match{}, fmt.Errorf("%w: mention cannot be empty", ErrEmptyInput)
	}
	if len(candidates) == 0 {
		return Match{}, nil
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return Match{}, fmt.Errorf("rate limiter error: %w", err)
	}

	req := chatRequest{
		Model:       m.model,
		MaxTokens:   defaultModelTokens,
		Temperature: 0.0, // Deterministic comparison
		Messages: []chatMessage{
			{Role: "system", Content: comparePrompt},
			{Role: "user", Content: buildCompareInput(mention, candidates)},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Match{}, ctx.Err()
			}
		}

		match, err := m.doRequest(ctx, req, candidates)
		if err == nil {
			span.SetAttributes(
				attribute.String("matched_entity_id", match.EntityID),
				attribute.Float64("confidence", match.Confidence),
			)
			span.SetStatus(codes.Ok, "success")
			return match, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Match{}, err
		}
	}

	err := fmt.Errorf("max retries exceeded: %w", lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return Match{}, err
}

// buildCompareInput renders the mention and candidate list for the model.
func buildCompareInput(mention string, candidates []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mention: %s\n\nCandidates:\n", mention)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id: %s\n  name: %s\n", c.EntityID, c.Name)
		if len(c.Aliases) > 0 {
			fmt.Fprintf(&b, "  aliases: %s\n", strings.Join(c.Aliases, "; "))
		}
	}
	return b.String()
}

// doRequest performs the actual HTTP request to the chat API.
func (m *ModelMatcher) doRequest(ctx context.Context, req chatRequest, candidates []Candidate) (Match, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return Match{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", m.baseURL+"/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return Match{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return Match{}, &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Match{}, fmt.Errorf("failed to read response: %w", err)
	}

	// Handle rate limiting
	if resp.StatusCode == http.StatusTooManyRequests {
		return Match{}, &retryableError{err: fmt.Errorf("rate limited (429)")}
	}

	// Handle server errors (retryable)
	if resp.StatusCode >= 500 {
		return Match{}, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp chatError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return Match{}, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return Match{}, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return Match{}, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return Match{}, fmt.Errorf("%w: empty response from API", ErrCompareFailed)
	}

	return m.parseMatch(chatResp.Choices[0].Message.Content, candidates)
}

// jsonObjectPattern extracts a JSON object from model output that may be
// wrapped in markdown fences or prose.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// parseMatch parses the model's answer and enforces the output contract.
func (m *ModelMatcher) parseMatch(content string, candidates []Candidate) (Match, error) {
	raw := jsonObjectPattern.FindString(content)
	if raw == "" {
		return Match{}, fmt.Errorf("%w: no JSON object in model output", ErrCompareFailed)
	}

	var answer struct {
		CandidateID *string `json:"candidate_id"`
		Confidence  float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &answer); err != nil {
		return Match{}, fmt.Errorf("%w: malformed model output: %v", ErrCompareFailed, err)
	}

	confidence := clamp01(answer.Confidence)

	if answer.CandidateID == nil || *answer.CandidateID == "" {
		return Match{Confidence: confidence}, nil
	}

	// Contract enforcement: the answer must name an offered candidate.
	for _, c := range candidates {
		if c.EntityID == *answer.CandidateID {
			return Match{EntityID: c.EntityID, Confidence: confidence}, nil
		}
	}

	m.logger.Warn("comparison model named an unknown candidate, treating as no match",
		zap.String("candidate_id", *answer.CandidateID),
	)
	return Match{}, nil
}

// Close is a no-op for the model matcher.
func (m *ModelMatcher) Close() error {
	return nil
}

// retryableError marks errors worth retrying.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryableError reports whether err should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	return errors.As(err, &re)
}

// Ensure interface is implemented.
var _ Matcher = (*ModelMatcher)(nil)
