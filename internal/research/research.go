// Package research gathers raw competitor evidence for a business by
// issuing a fixed set of grounded queries against the Perplexity API.
// Individual query failures degrade data quality but never fail the stage;
// the pipeline proceeds on whatever evidence was collected.
package research

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/leaklens/audit-cli/internal/resilience"
	"github.com/leaklens/audit-cli/pkg/perplexity"
)

// urlRe finds URL-like tokens in free text; harvested URLs supplement the
// structured citations the API returns.
var urlRe = regexp.MustCompile(`https?://[^\s)\]}>"']+`)

// Config tunes the research stage.
type Config struct {
	Model        string
	QueryTimeout time.Duration
	MaxRetries   int
	// QueriesPerSecond throttles calls across concurrent queries.
	QueriesPerSecond float64
}

// Result is the accumulated output of all research queries.
type Result struct {
	// Transcript concatenates successful query responses in registry order,
	// so downstream extraction input is deterministic for a given set of
	// query outcomes.
	Transcript string
	// Sources is the deduplicated, sorted union of citation URIs and
	// URL tokens scanned from the response text.
	Sources []string
	// Degraded is true when zero grounded sources were collected.
	Degraded bool
	// QueryErrors records per-query failures, keyed by query name.
	QueryErrors map[string]string
	// Token usage across all successful queries.
	InputTokens  int
	OutputTokens int
}

// Stage issues the grounded research queries.
type Stage struct {
	client  perplexity.Client
	queries []Query
	cfg     Config
	limiter *rate.Limiter
}

// New creates a research stage. The query registry is embedded at build
// time; LoadQueries failing is a programmer error surfaced at startup.
func New(client perplexity.Client, cfg Config) (*Stage, error) {
	queries, err := LoadQueries()
	if err != nil {
		return nil, err
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 45 * time.Second
	}
	qps := cfg.QueriesPerSecond
	if qps <= 0 {
		qps = 1
	}
	return &Stage{
		client:  client,
		queries: queries,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(qps), 1),
	}, nil
}

// QueryCount returns the number of registry queries a run will issue.
func (s *Stage) QueryCount() int {
	return len(s.queries)
}

// Run executes every registry query for the business. Queries run
// concurrently; results slot into fixed positions so the transcript is
// assembled in registry order regardless of completion order. onQueryDone,
// if non-nil, is invoked after each query finishes (success or failure)
// with the completed count.
func (s *Stage) Run(ctx context.Context, offering, location string, onQueryDone func(done, total int)) *Result {
	log := zap.L().With(zap.String("stage", "research"))

	type queryOutcome struct {
		text      string
		citations []string
		inTokens  int
		outTokens int
		err       error
	}

	outcomes := make([]queryOutcome, len(s.queries))
	var mu sync.Mutex
	done := 0

	g, gCtx := errgroup.WithContext(ctx)
	for i, q := range s.queries {
		g.Go(func() error {
			prompt := q.Render(offering, location)

			resp, err := resilience.DoVal(gCtx, s.retryConfig(q.Name), func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
				if err := s.limiter.Wait(ctx); err != nil {
					return nil, err
				}
				callCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
				defer cancel()
				temp := 0.2
				return s.client.ChatCompletion(callCtx, perplexity.ChatCompletionRequest{
					Model:       s.cfg.Model,
					Messages:    []perplexity.Message{{Role: "user", Content: prompt}},
					Temperature: &temp,
				})
			})

			if err != nil {
				log.Warn("research: query failed",
					zap.String("query", q.Name),
					zap.Error(err),
				)
				outcomes[i] = queryOutcome{err: err}
			} else {
				outcomes[i] = queryOutcome{
					text:      resp.Text(),
					citations: resp.Citations,
					inTokens:  resp.Usage.PromptTokens,
					outTokens: resp.Usage.CompletionTokens,
				}
			}

			if onQueryDone != nil {
				mu.Lock()
				done++
				onQueryDone(done, len(s.queries))
				mu.Unlock()
			}
			// Query failures are recorded, never propagated; a single
			// errgroup error would cancel sibling queries.
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{
		QueryErrors: map[string]string{},
	}
	sources := map[string]bool{}
	var transcript strings.Builder

	for i, out := range outcomes {
		name := s.queries[i].Name
		if out.err != nil {
			result.QueryErrors[name] = out.err.Error()
			continue
		}
		if strings.TrimSpace(out.text) != "" {
			fmt.Fprintf(&transcript, "=== %s ===\n%s\n\n", name, strings.TrimSpace(out.text))
		}
		for _, u := range out.citations {
			if cleaned := cleanURL(u); cleaned != "" {
				sources[cleaned] = true
			}
		}
		for _, u := range urlRe.FindAllString(out.text, -1) {
			if cleaned := cleanURL(u); cleaned != "" {
				sources[cleaned] = true
			}
		}
		result.InputTokens += out.inTokens
		result.OutputTokens += out.outTokens
	}

	result.Transcript = transcript.String()
	result.Sources = sortedKeys(sources)
	result.Degraded = len(result.Sources) == 0

	log.Info("research: complete",
		zap.Int("queries", len(s.queries)),
		zap.Int("failures", len(result.QueryErrors)),
		zap.Int("sources", len(result.Sources)),
		zap.Bool("degraded", result.Degraded),
	)

	return result
}

func (s *Stage) retryConfig(queryName string) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if s.cfg.MaxRetries > 0 {
		cfg.MaxAttempts = s.cfg.MaxRetries
	}
	cfg.OnRetry = resilience.RetryLogger("perplexity", queryName)
	return cfg
}

// cleanURL strips trailing punctuation that the regex may have captured
// from surrounding prose.
func cleanURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimRight(u, ".,;:!?")
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return ""
	}
	return u
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
