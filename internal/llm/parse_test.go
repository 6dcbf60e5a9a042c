package llm_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtalsearch/xtal-web/internal/llm"
	"github.com/xtalsearch/xtal-web/internal/llm/llmtest"
)

type verdict struct {
	Score int `json:"score"`
}

func parseVerdict(raw string) llm.ParseResult[verdict] {
	res := llm.DecodeJSON[verdict](raw, nil)
	if res.Status == llm.Parsed && res.Value.Score < 0 {
		return llm.Fatal[verdict](errors.New("negative score"))
	}
	return res
}

func TestGenerate_FirstAttemptParses(t *testing.T) {
	client := &llmtest.MockClient{Responses: []string{"```json\n{\"score\": 72}\n```"}}

	got, attempts, err := llm.Generate(context.Background(), client, llm.Request[verdict]{
		Prompt:       "grade",
		StrictPrompt: "grade strictly",
		Tier:         llm.TierStandard,
		Parse:        parseVerdict,
	})

	require.NoError(t, err)
	assert.Equal(t, 72, got.Score)
	require.Len(t, attempts, 1)
	assert.Equal(t, "grade", attempts[0].Prompt)
	assert.Empty(t, attempts[0].Error)
}

func TestGenerate_RetriesOnceWithStrictPrompt(t *testing.T) {
	client := &llmtest.MockClient{Responses: []string{"not json at all", `{"score": 40}`}}

	got, attempts, err := llm.Generate(context.Background(), client, llm.Request[verdict]{
		Prompt:       "grade",
		StrictPrompt: "grade strictly",
		Parse:        parseVerdict,
	})

	require.NoError(t, err)
	assert.Equal(t, 40, got.Score)
	require.Len(t, attempts, 2)
	assert.NotEmpty(t, attempts[0].Error)
	assert.Equal(t, []string{"grade", "grade strictly"}, client.Prompts())
}

func TestGenerate_SecondFailureIsParseError(t *testing.T) {
	client := &llmtest.MockClient{Responses: []string{"nope", "still nope"}}

	_, attempts, err := llm.Generate(context.Background(), client, llm.Request[verdict]{
		Prompt: "grade",
		Parse:  parseVerdict,
	})

	var parseErr *llm.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 2, parseErr.Attempts)
	assert.Equal(t, llm.RetryableParseError, parseErr.Status)
	assert.Len(t, attempts, 2)
	assert.Len(t, client.Prompts(), 2)
}

func TestGenerate_FatalDoesNotRetry(t *testing.T) {
	client := &llmtest.MockClient{Responses: []string{`{"score": -5}`}}

	_, attempts, err := llm.Generate(context.Background(), client, llm.Request[verdict]{
		Prompt: "grade",
		Parse:  parseVerdict,
	})

	var parseErr *llm.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, llm.FatalParseError, parseErr.Status)
	assert.Len(t, attempts, 1)
}

func TestGenerate_TransportErrorIsNotRetried(t *testing.T) {
	boom := errors.New("quota exceeded")
	client := &llmtest.MockClient{
		GenerateJSONFunc: func(context.Context, string, llm.ModelTier) (string, error) {
			return "", boom
		},
	}

	_, attempts, err := llm.Generate(context.Background(), client, llm.Request[verdict]{
		Prompt: "grade",
		Parse:  parseVerdict,
	})

	assert.ErrorIs(t, err, boom)
	assert.Len(t, attempts, 1)
}

func TestDecodeJSON_ValidatorFailureIsRetryable(t *testing.T) {
	res := llm.DecodeJSON[verdict](`{"score": 1}`, func(doc string) error {
		if strings.Contains(doc, "score") {
			return errors.New("schema says no")
		}
		return nil
	})

	assert.Equal(t, llm.RetryableParseError, res.Status)
	assert.EqualError(t, res.Err, "schema says no")
}
