package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ParseStatus tags the outcome of parsing one model response.
type ParseStatus int

const (
	// Parsed means Value holds a usable result.
	Parsed ParseStatus = iota
	// RetryableParseError means the output was malformed and a stricter prompt may fix it.
	RetryableParseError
	// FatalParseError means retrying cannot help.
	FatalParseError
)

func (s ParseStatus) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case RetryableParseError:
		return "retryable"
	case FatalParseError:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseResult is the tagged result of a parse function.
type ParseResult[T any] struct {
	Status ParseStatus
	Value  T
	Err    error
}

// Ok wraps a successfully parsed value.
func Ok[T any](v T) ParseResult[T] {
	return ParseResult[T]{Status: Parsed, Value: v}
}

// Retryable reports malformed output.
func Retryable[T any](err error) ParseResult[T] {
	return ParseResult[T]{Status: RetryableParseError, Err: err}
}

// Fatal reports output that must not be retried.
func Fatal[T any](err error) ParseResult[T] {
	return ParseResult[T]{Status: FatalParseError, Err: err}
}

// DecodeJSON cleans raw, runs validate on the cleaned document (when set) and
// unmarshals it into T. Every failure is retryable.
func DecodeJSON[T any](raw string, validate func(doc string) error) ParseResult[T] {
	doc := CleanJSONBlock(raw)
	if doc == "" {
		return Retryable[T](errors.New("empty response"))
	}
	if validate != nil {
		if err := validate(doc); err != nil {
			return Retryable[T](err)
		}
	}
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return Retryable[T](fmt.Errorf("invalid JSON: %w", err))
	}
	return Ok(v)
}

// Attempt records one model call for the run log.
type Attempt struct {
	Prompt     string `json:"prompt"`
	Raw        string `json:"raw"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ParseError is returned when the model output could not be parsed after the
// allowed attempts.
type ParseError struct {
	Attempts int
	Status   ParseStatus
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("model output unusable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Request describes a JSON generation with one strict retry.
type Request[T any] struct {
	Prompt string
	// StrictPrompt is used for the single retry; Prompt is reused when empty.
	StrictPrompt string
	// Strict, when set, builds the retry prompt from the first parse failure
	// and takes precedence over StrictPrompt.
	Strict func(err error) string
	Tier   ModelTier
	Parse  func(raw string) ParseResult[T]
}

func (r Request[T]) retryPrompt(err error) string {
	if r.Strict != nil {
		return r.Strict(err)
	}
	if r.StrictPrompt != "" {
		return r.StrictPrompt
	}
	return r.Prompt
}

// Generate calls the model, parses the output and retries exactly once with the
// strict prompt on a retryable parse failure. Transport errors are returned as
// is and are never retried here.
func Generate[T any](ctx context.Context, client Client, req Request[T]) (T, []Attempt, error) {
	var zero T
	attempts := make([]Attempt, 0, 2)

	prompt := req.Prompt
	var last ParseResult[T]
	for i := 1; i <= 2; i++ {
		start := time.Now()
		raw, err := client.GenerateJSON(ctx, prompt, req.Tier)
		attempt := Attempt{Prompt: prompt, Raw: raw, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			attempt.Error = err.Error()
			attempts = append(attempts, attempt)
			return zero, attempts, err
		}

		last = req.Parse(raw)
		if last.Err != nil {
			attempt.Error = last.Err.Error()
		}
		attempts = append(attempts, attempt)

		switch last.Status {
		case Parsed:
			return last.Value, attempts, nil
		case FatalParseError:
			return zero, attempts, &ParseError{Attempts: i, Status: FatalParseError, Err: last.Err}
		}
		prompt = req.retryPrompt(last.Err)
	}
	return zero, attempts, &ParseError{Attempts: len(attempts), Status: last.Status, Err: last.Err}
}
