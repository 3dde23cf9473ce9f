package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/resilience"
	"github.com/sells-group/market-intel/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg_1",
		Model:   DefaultModel,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 200, OutputTokens: 60},
	}
}

func testItem() model.StoredItem {
	return model.StoredItem{
		ID:          "item-1",
		SourceID:    "wsb",
		Category:    model.CategorySocial,
		Title:       "GME to the moon",
		Body:        "Loaded up on calls again.",
		Ticker:      "GME",
		PublishedAt: time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC),
		Extra:       map[string]string{"score": "412"},
	}
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestAnalyze_ParsesEnrichment(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == DefaultModel &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 &&
			strings.Contains(req.Messages[0].Content, "Title: GME to the moon") &&
			strings.Contains(req.Messages[0].Content, "score: 412")
	})).Return(textResponse("```json\n"+`{"summary":"Retail traders pile into GME calls.","sentiment":"Bullish","sentiment_score":1.7,"tickers":["gme","$GME","AMC"],"impact":"HIGH","tags":["Options","options"]}`+"\n```"), nil)

	e := NewEngine(client, Config{Retry: fastRetry()})
	enr, err := e.Analyze(context.Background(), testItem())
	require.NoError(t, err)

	assert.Equal(t, "Retail traders pile into GME calls.", enr.Summary)
	assert.Equal(t, "bullish", enr.Sentiment)
	assert.Equal(t, 1.0, enr.SentimentScore)
	assert.Equal(t, []string{"GME", "AMC"}, enr.Tickers)
	assert.Equal(t, "high", enr.Impact)
	assert.Equal(t, []string{"options"}, enr.Tags)
	assert.Equal(t, DefaultModel, enr.Model)
	client.AssertExpectations(t)
}

func TestAnalyze_RetriesTransientStatus(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded_error"), 529)).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"summary":"ok"}`), nil).Once()

	e := NewEngine(client, Config{Retry: fastRetry()})
	enr, err := e.Analyze(context.Background(), testItem())
	require.NoError(t, err)
	assert.Equal(t, "ok", enr.Summary)
	assert.Equal(t, "neutral", enr.Sentiment)
	assert.Equal(t, "low", enr.Impact)
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestAnalyze_PermanentErrorNotRetried(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("invalid_request_error: prompt too long"))

	e := NewEngine(client, Config{Retry: fastRetry()})
	_, err := e.Analyze(context.Background(), testItem())
	require.Error(t, err)

	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "item-1", ae.ItemID)
	assert.False(t, ae.Transient)
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestAnalyze_UnparseableResponse(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot help with that."), nil)

	e := NewEngine(client, Config{Retry: fastRetry()})
	_, err := e.Analyze(context.Background(), testItem())

	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.False(t, ae.Transient)
	assert.Contains(t, err.Error(), "decode enrichment")
}

func TestAnalyze_CircuitOpensAfterRepeatedTransientFailures(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("upstream 503"), 503))

	e := NewEngine(client, Config{
		Retry:   resilience.RetryConfig{MaxAttempts: 1},
		Breaker: resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	})

	for range 2 {
		_, err := e.Analyze(context.Background(), testItem())
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, e.CircuitState())

	_, err := e.Analyze(context.Background(), testItem())
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))

	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.True(t, ae.Transient)
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced json", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced plain", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", `Here you go: {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`},
		{"no object", "nothing", "nothing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestParseEnrichment_RequiresSummary(t *testing.T) {
	_, err := parseEnrichment(`{"summary":"  ","sentiment":"bearish"}`)
	assert.Error(t, err)

	enr, err := parseEnrichment(`{"summary":"Fed holds","sentiment":"sideways","sentiment_score":-3}`)
	require.NoError(t, err)
	assert.Equal(t, "neutral", enr.Sentiment)
	assert.Equal(t, -1.0, enr.SentimentScore)
}

func TestUserPrompt_TruncatesLongBody(t *testing.T) {
	item := testItem()
	long := make([]rune, maxBodyChars+100)
	for i := range long {
		long[i] = 'x'
	}
	item.Body = string(long)

	p := userPrompt(item)
	assert.Contains(t, p, "Category: social")
	assert.Contains(t, p, "Published: 2025-03-01 14:30 UTC")
	assert.Contains(t, p, "...")
	assert.Less(t, len(p), maxBodyChars+500)
}
