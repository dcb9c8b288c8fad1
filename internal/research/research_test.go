package research

import (
	"context"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaklens/audit-cli/pkg/perplexity"
)

// fakePerplexity returns canned responses keyed by a substring of the prompt.
type fakePerplexity struct {
	respond func(prompt string) (*perplexity.ChatCompletionResponse, error)
}

func (f *fakePerplexity) ChatCompletion(ctx context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.respond(req.Messages[0].Content)
}

func textResponse(text string, citations ...string) *perplexity.ChatCompletionResponse {
	return &perplexity.ChatCompletionResponse{
		Choices:   []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: text}}},
		Citations: citations,
		Usage:     perplexity.Usage{PromptTokens: 5, CompletionTokens: 10},
	}
}

func newTestStage(t *testing.T, client perplexity.Client) *Stage {
	t.Helper()
	s, err := New(client, Config{QueriesPerSecond: 1000, MaxRetries: 1})
	require.NoError(t, err)
	return s
}

func TestLoadQueries(t *testing.T) {
	queries, err := LoadQueries()
	require.NoError(t, err)
	assert.Len(t, queries, 6)

	names := map[string]bool{}
	for _, q := range queries {
		names[q.Name] = true
		assert.NotEmpty(t, q.Prompt)
	}
	assert.True(t, names["pricing_fees"])
	assert.True(t, names["membership_plans"])
	assert.True(t, names["warranty_terms"])
}

func TestQueryRender(t *testing.T) {
	q := Query{Name: "x", Prompt: "Top {{offering}} companies in {{location}}."}
	assert.Equal(t, "Top HVAC repair companies in Austin, TX.", q.Render("HVAC repair", "Austin, TX"))
}

func TestRun_CollectsTranscriptAndSources(t *testing.T) {
	client := &fakePerplexity{respond: func(prompt string) (*perplexity.ChatCompletionResponse, error) {
		if strings.Contains(prompt, "membership") {
			return textResponse("CoolCo sells a $19/mo plan, see https://coolco.example.com/plans.",
				"https://coolco.example.com/plans"), nil
		}
		return textResponse("Competitors charge $80-$120 service fees.",
			"https://market.example.com/pricing"), nil
	}}

	s := newTestStage(t, client)
	result := s.Run(context.Background(), "HVAC repair", "Austin, TX", nil)

	assert.False(t, result.Degraded)
	assert.Empty(t, result.QueryErrors)
	assert.Contains(t, result.Transcript, "=== membership_plans ===")
	assert.Contains(t, result.Transcript, "$19/mo plan")
	// Citation and regex harvest deduplicate into one sorted set.
	assert.Equal(t, []string{
		"https://coolco.example.com/plans",
		"https://market.example.com/pricing",
	}, result.Sources)
	assert.Equal(t, 5*s.QueryCount(), result.InputTokens)
}

func TestRun_TranscriptOrderIsDeterministic(t *testing.T) {
	client := &fakePerplexity{respond: func(prompt string) (*perplexity.ChatCompletionResponse, error) {
		return textResponse("finding for: " + prompt[:20]), nil
	}}
	s := newTestStage(t, client)

	first := s.Run(context.Background(), "plumbing", "Denver, CO", nil)
	for i := 0; i < 3; i++ {
		again := s.Run(context.Background(), "plumbing", "Denver, CO", nil)
		assert.Equal(t, first.Transcript, again.Transcript)
		assert.Equal(t, first.Sources, again.Sources)
	}
}

func TestRun_PartialFailureContinues(t *testing.T) {
	client := &fakePerplexity{respond: func(prompt string) (*perplexity.ChatCompletionResponse, error) {
		if strings.Contains(prompt, "warranties") {
			return nil, eris.New("perplexity: unexpected status 400: bad request")
		}
		return textResponse("some finding", "https://src.example.com"), nil
	}}

	s := newTestStage(t, client)
	result := s.Run(context.Background(), "roofing", "Tampa, FL", nil)

	assert.Len(t, result.QueryErrors, 1)
	assert.Contains(t, result.QueryErrors, "warranty_terms")
	assert.False(t, result.Degraded)
	assert.NotContains(t, result.Transcript, "=== warranty_terms ===")
}

func TestRun_AllFailuresDegraded(t *testing.T) {
	client := &fakePerplexity{respond: func(prompt string) (*perplexity.ChatCompletionResponse, error) {
		return nil, eris.New("dial tcp: i/o timeout")
	}}

	s, err := New(client, Config{QueriesPerSecond: 1000, MaxRetries: 2})
	require.NoError(t, err)
	result := s.Run(context.Background(), "electrical", "Boise, ID", nil)

	assert.True(t, result.Degraded)
	assert.Empty(t, result.Transcript)
	assert.Empty(t, result.Sources)
	assert.Len(t, result.QueryErrors, s.QueryCount())
}

func TestRun_ZeroSourcesWithTextIsDegraded(t *testing.T) {
	client := &fakePerplexity{respond: func(prompt string) (*perplexity.ChatCompletionResponse, error) {
		return textResponse("general market commentary with no links"), nil
	}}

	s := newTestStage(t, client)
	result := s.Run(context.Background(), "landscaping", "Reno, NV", nil)

	assert.True(t, result.Degraded)
	assert.NotEmpty(t, result.Transcript)
}

func TestRun_ProgressCallback(t *testing.T) {
	client := &fakePerplexity{respond: func(prompt string) (*perplexity.ChatCompletionResponse, error) {
		return textResponse("ok"), nil
	}}
	s := newTestStage(t, client)

	var counts []int
	s.Run(context.Background(), "pest control", "Mesa, AZ", func(done, total int) {
		assert.Equal(t, s.QueryCount(), total)
		counts = append(counts, done)
	})
	require.Len(t, counts, s.QueryCount())
	// Callback runs under the stage mutex so counts arrive in order.
	for i, c := range counts {
		assert.Equal(t, i+1, c)
	}
}

func TestCleanURL(t *testing.T) {
	assert.Equal(t, "https://a.example.com/x", cleanURL("https://a.example.com/x."))
	assert.Equal(t, "http://b.example.com", cleanURL("http://b.example.com,"))
	assert.Empty(t, cleanURL("ftp://c.example.com"))
	assert.Empty(t, cleanURL("not a url"))
}
