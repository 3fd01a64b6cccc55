package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundscope/ingest-cli/internal/config"
	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/pkg/anthropic"
)

type scriptedClient struct {
	responses []string
	calls     int
	requests  []anthropic.MessageRequest
}

func (c *scriptedClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	c.requests = append(c.requests, req)
	text := c.responses[c.calls%len(c.responses)]
	c.calls++
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func scoreResponse(t *testing.T, n int, score float64) string {
	t.Helper()
	outs := make([]scoringOutput, n)
	for i := range outs {
		outs[i] = scoringOutput{Index: i, Score: score, Summary: "fits small applicants"}
	}
	b, err := json.Marshal(outs)
	require.NoError(t, err)
	return string(b)
}

func TestClaudeEnricherBatches(t *testing.T) {
	client := &scriptedClient{responses: []string{scoreResponse(t, 10, 0.7), scoreResponse(t, 5, 0.7)}}
	e := NewClaudeEnricher(client, config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", BatchSize: 10})

	records := make([]model.Record, 15)
	for i := range records {
		records[i] = model.Record{Title: "Opportunity", SourceID: "grants-gov"}
	}

	scored, usage, err := e.Enrich(context.Background(), records)
	require.NoError(t, err)
	assert.Len(t, scored, 15)
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, int64(200), usage.InputTokens)
	assert.Equal(t, int64(100), usage.OutputTokens)
	assert.Greater(t, usage.EstimatedCost, 0.0)
	assert.Equal(t, 0.7, scored[0].Score)
	assert.Equal(t, "fits small applicants", scored[0].Summary)

	// The system prompt is marked cacheable on every batch.
	for _, req := range client.requests {
		require.Len(t, req.System, 1)
		require.NotNil(t, req.System[0].CacheControl)
		assert.Equal(t, "5m", req.System[0].CacheControl.TTL)
	}
}

func TestClaudeEnricherMissingIndexFails(t *testing.T) {
	// Response covers index 0 only for a two-record batch.
	client := &scriptedClient{responses: []string{scoreResponse(t, 1, 0.5)}}
	e := NewClaudeEnricher(client, config.AnthropicConfig{Model: "claude-haiku-4-5-20251001"})

	_, _, err := e.Enrich(context.Background(), []model.Record{
		{Title: "First"}, {Title: "Second"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no score returned")
}

func TestParseScores(t *testing.T) {
	t.Run("BareArray", func(t *testing.T) {
		outs, err := parseScores(`[{"index":0,"score":0.9,"summary":"good"}]`)
		require.NoError(t, err)
		require.Len(t, outs, 1)
		assert.Equal(t, 0.9, outs[0].Score)
	})

	t.Run("MarkdownFenced", func(t *testing.T) {
		outs, err := parseScores("```json\n[{\"index\":0,\"score\":0.4,\"summary\":\"ok\"}]\n```")
		require.NoError(t, err)
		require.Len(t, outs, 1)
	})

	t.Run("SurroundingProse", func(t *testing.T) {
		outs, err := parseScores(`Here are the scores: [{"index":0,"score":0.2,"summary":"weak"}] Done.`)
		require.NoError(t, err)
		require.Len(t, outs, 1)
	})

	t.Run("NoArray", func(t *testing.T) {
		_, err := parseScores("I cannot score these records.")
		require.Error(t, err)
	})
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, clampScore(-0.3))
	assert.Equal(t, 1.0, clampScore(1.7))
	assert.Equal(t, 0.55, clampScore(0.55))
}

func TestPassthroughEnricher(t *testing.T) {
	scored, usage, err := PassthroughEnricher{}.Enrich(context.Background(), []model.Record{
		{Title: "Anything"},
	})
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, 1.0, scored[0].Score)
	assert.Zero(t, usage)
}
