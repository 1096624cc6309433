package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoSuggestion reports that the repair service produced nothing worth
// rebuilding with: it was unreachable, returned an empty or malformed
// response, or echoed the input recipe unchanged. Callers treat all three
// the same way and stop repairing instead of looping against the service.
var ErrNoSuggestion = errors.New("no usable repair suggestion")

// Request carries everything the model needs to propose a fix. Prior
// rationales from earlier suggestions for the same pair are included so the
// model does not repeat a fix that already failed.
type Request struct {
	RecipeText      string
	ErrorExcerpt    string
	PriorRationales []string
}

// Suggestion is a candidate replacement recipe plus the model's free-form
// reasoning. The rationale is stored for the record but never parsed.
type Suggestion struct {
	RecipeText string
	Rationale  string
}

// Client talks to a text-generation inference endpoint over HTTP.
type Client struct {
	endpoint         string
	token            string
	httpClient       *http.Client
	transientRetries int
	maxNewTokens     int
	temperature      float64

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// Options configures a Client. Zero values get working defaults.
type Options struct {
	Token            string
	Timeout          time.Duration
	TransientRetries int
	MaxNewTokens     int
	Temperature      float64
}

// NewClient creates a repair client for the given inference endpoint.
func NewClient(endpoint string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = 2000
	}
	if opts.Temperature <= 0 {
		opts.Temperature = 0.2
	}
	return &Client{
		endpoint:         strings.TrimSuffix(endpoint, "/"),
		token:            opts.Token,
		httpClient:       &http.Client{Timeout: opts.Timeout},
		transientRetries: opts.TransientRetries,
		maxNewTokens:     opts.MaxNewTokens,
		temperature:      opts.Temperature,
		sleep:            time.Sleep,
	}
}

type inferenceParams struct {
	MaxNewTokens int      `json:"max_new_tokens"`
	Temperature  float64  `json:"temperature"`
	Stop         []string `json:"stop,omitempty"`
}

type inferencePayload struct {
	Inputs     string          `json:"inputs"`
	Parameters inferenceParams `json:"parameters"`
}

type inferenceResult struct {
	GeneratedText string `json:"generated_text"`
	Error         string `json:"error"`
}

// Suggest asks the service for a corrected recipe. Network errors and 5xx
// responses are retried a small fixed number of times with backoff; every
// other failure mode maps to ErrNoSuggestion.
func (c *Client) Suggest(ctx context.Context, req Request) (*Suggestion, error) {
	body, err := json.Marshal(inferencePayload{
		Inputs: buildPrompt(req),
		Parameters: inferenceParams{
			MaxNewTokens: c.maxNewTokens,
			Temperature:  c.temperature,
			Stop:         []string{"Fixed Dockerfile:"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal repair request: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrNoSuggestion, ctx.Err())
			default:
			}
			c.sleep(delayForAttempt(attempt))
		}

		text, retryable, err := c.post(ctx, body)
		if err == nil {
			return c.parseSuggestion(req.RecipeText, text)
		}
		lastErr = err
		if !retryable || attempt >= c.transientRetries {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNoSuggestion, lastErr)
}

// post performs one request. The second return value reports whether the
// failure is transient (network error or 5xx) and worth retrying.
func (c *Client) post(ctx context.Context, body []byte) (string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create repair request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", true, fmt.Errorf("repair request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		retryable := resp.StatusCode >= 500
		return "", retryable, fmt.Errorf("repair service status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var results []inferenceResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return "", false, fmt.Errorf("decode repair response: %w", err)
	}
	if len(results) == 0 {
		return "", false, errors.New("empty repair response")
	}
	if results[0].Error != "" {
		return "", false, fmt.Errorf("repair service error: %s", results[0].Error)
	}
	return results[0].GeneratedText, false, nil
}

// parseSuggestion extracts the candidate recipe from raw model output and
// splits off any trailing commentary as the rationale. An empty candidate
// or one identical to the input is no suggestion at all.
func (c *Client) parseSuggestion(original, generated string) (*Suggestion, error) {
	text := strings.TrimSpace(generated)
	if i := strings.LastIndex(text, "Fixed Dockerfile:"); i >= 0 {
		text = strings.TrimSpace(text[i+len("Fixed Dockerfile:"):])
	}

	rationale := ""
	for _, delim := range []string{"Note:", "Note that"} {
		if i := strings.Index(text, delim); i >= 0 {
			rationale = strings.TrimSpace(text[i:])
			text = strings.TrimSpace(text[:i])
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("%w: empty candidate", ErrNoSuggestion)
	}
	if strings.TrimSpace(original) == text {
		return nil, fmt.Errorf("%w: candidate identical to input", ErrNoSuggestion)
	}
	return &Suggestion{RecipeText: text, Rationale: rationale}, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("The following Dockerfile failed to build due to the errors listed below. ")
	b.WriteString("Analyze the Dockerfile and the error logs and provide a corrected version of the Dockerfile. ")
	b.WriteString("Only return the fixed Dockerfile without any additional text. Make sure to give space after RUN commands.\n")
	if len(req.PriorRationales) > 0 {
		b.WriteString("These earlier fixes were already tried and did not work; do not repeat them:\n")
		for _, r := range req.PriorRationales {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	b.WriteString("Dockerfile:\n")
	b.WriteString(req.RecipeText)
	b.WriteString("\nError Logs:\n")
	b.WriteString(req.ErrorExcerpt)
	b.WriteString("\nFixed Dockerfile:")
	return b.String()
}
