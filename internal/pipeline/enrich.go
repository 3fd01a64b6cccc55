package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/config"
	"github.com/fundscope/ingest-cli/internal/cost"
	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/pkg/anthropic"
)

// Enricher scores new records for relevance and attaches a summary.
type Enricher interface {
	Enrich(ctx context.Context, records []model.Record) ([]model.ScoredRecord, model.ResourceUsage, error)
}

const scoringSystemPrompt = `You score funding opportunities for relevance to small and mid-size applicants.

For each opportunity in the user message, return a relevance score between 0.0 and 1.0 and a one-sentence summary. Score on award size fit, applicant eligibility breadth, and clarity of purpose. Respond with a JSON array only, one object per input:
[{"index": 0, "score": 0.85, "summary": "..."}]

The index field must echo the input index. No prose outside the JSON array.`

// ClaudeEnricher scores records with the Anthropic messages API, batching
// inputs to keep call counts bounded. The system prompt is cached across
// batches within a chunk.
type ClaudeEnricher struct {
	client   anthropic.Client
	cfg      config.AnthropicConfig
	costCalc *cost.Calculator
}

// NewClaudeEnricher creates an Enricher backed by the given Anthropic client.
func NewClaudeEnricher(client anthropic.Client, cfg config.AnthropicConfig) *ClaudeEnricher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &ClaudeEnricher{
		client:   client,
		cfg:      cfg,
		costCalc: cost.NewCalculator(cost.DefaultRates()),
	}
}

// PassthroughEnricher scores nothing: every record passes with a neutral
// score. Used when no API key is configured and in tests.
type PassthroughEnricher struct{}

func (PassthroughEnricher) Enrich(_ context.Context, records []model.Record) ([]model.ScoredRecord, model.ResourceUsage, error) {
	scored := make([]model.ScoredRecord, len(records))
	for i, rec := range records {
		scored[i] = model.ScoredRecord{Record: rec, Score: 1}
	}
	return scored, model.ResourceUsage{}, nil
}

type scoringInput struct {
	Index       int      `json:"index"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	MinAward    *float64 `json:"min_award,omitempty"`
	MaxAward    *float64 `json:"max_award,omitempty"`
	CloseDate   string   `json:"close_date,omitempty"`
}

type scoringOutput struct {
	Index   int     `json:"index"`
	Score   float64 `json:"score"`
	Summary string  `json:"summary"`
}

// Enrich scores the records in batches. Any batch failure fails the whole
// call; partial scoring would make storage counts unexplainable.
func (e *ClaudeEnricher) Enrich(ctx context.Context, records []model.Record) ([]model.ScoredRecord, model.ResourceUsage, error) {
	scored := make([]model.ScoredRecord, 0, len(records))
	var totalUsage anthropic.TokenUsage

	for start := 0; start < len(records); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(records))
		batch := records[start:end]

		outputs, usage, err := e.scoreBatch(ctx, batch)
		if err != nil {
			return nil, model.ResourceUsage{}, eris.Wrapf(err, "enrich: batch %d-%d", start, end)
		}
		totalUsage.Add(usage)

		byIndex := make(map[int]scoringOutput, len(outputs))
		for _, o := range outputs {
			byIndex[o.Index] = o
		}
		for i, rec := range batch {
			out, ok := byIndex[i]
			if !ok {
				return nil, model.ResourceUsage{}, eris.Errorf("enrich: no score returned for record %d (%s)", start+i, rec.Title)
			}
			scored = append(scored, model.ScoredRecord{
				Record:  rec,
				Score:   clampScore(out.Score),
				Summary: out.Summary,
			})
		}
	}

	totalUsage.LogCost(e.cfg.Model, model.StageEnrichment)
	return scored, model.ResourceUsage{
		InputTokens:   totalUsage.InputTokens,
		OutputTokens:  totalUsage.OutputTokens,
		EstimatedCost: e.costCalc.Claude(e.cfg.Model, totalUsage.InputTokens, totalUsage.OutputTokens, totalUsage.CacheCreationInputTokens, totalUsage.CacheReadInputTokens),
	}, nil
}

func (e *ClaudeEnricher) scoreBatch(ctx context.Context, batch []model.Record) ([]scoringOutput, anthropic.TokenUsage, error) {
	inputs := make([]scoringInput, len(batch))
	for i, rec := range batch {
		inputs[i] = scoringInput{
			Index:       i,
			Title:       rec.Title,
			Description: truncate(rec.Description, 2000),
			MinAward:    rec.MinAward,
			MaxAward:    rec.MaxAward,
		}
		if rec.CloseDate != nil {
			inputs[i].CloseDate = rec.CloseDate.Format("2006-01-02")
		}
	}

	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, anthropic.TokenUsage{}, eris.Wrap(err, "enrich: marshal inputs")
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System: []anthropic.SystemBlock{
			{Text: scoringSystemPrompt, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return nil, anthropic.TokenUsage{}, err
	}

	outputs, err := parseScores(resp.Text())
	if err != nil {
		return nil, resp.Usage, err
	}
	if len(outputs) != len(batch) {
		zap.L().Warn("enrich: score count mismatch",
			zap.Int("expected", len(batch)), zap.Int("got", len(outputs)))
	}
	return outputs, resp.Usage, nil
}

// parseScores extracts the JSON array from a model response, tolerating
// markdown fences.
func parseScores(text string) ([]scoringOutput, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	open := strings.Index(text, "[")
	close_ := strings.LastIndex(text, "]")
	if open < 0 || close_ < open {
		return nil, eris.New(fmt.Sprintf("enrich: no JSON array in response: %q", truncate(text, 120)))
	}

	var outputs []scoringOutput
	if err := json.Unmarshal([]byte(text[open:close_+1]), &outputs); err != nil {
		return nil, eris.Wrap(err, "enrich: parse scores")
	}
	return outputs, nil
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
