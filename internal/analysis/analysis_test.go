package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/model"
)

func TestSentiment(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"", 0},
		{"thanks, that works great", 1},
		{"this is wrong and broken", -1},
		{"good but still broken", -1.0 / 3},
		{"the sky is blue", 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.InDelta(t, tt.want, Sentiment(tt.text), 1e-9)
		})
	}
}

func TestIntent(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"please reset my account", IntentRequest},
		{"how to export data", IntentRequest},
		{"where is the billing page?", IntentQuestion},
		{"this is wrong and broken", IntentComplaint},
		{"i changed my email", IntentStatement},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, intent(tt.text))
		})
	}
}

func TestStage(t *testing.T) {
	msg := func(r model.Role, c string) model.Message { return model.Message{Role: r, Content: c} }
	assert.Equal(t, StageOpening, stage([]model.Message{msg(model.RoleUser, "hi")}))
	assert.Equal(t, StageExploration, stage([]model.Message{
		msg(model.RoleUser, "a"), msg(model.RoleAssistant, "b"), msg(model.RoleUser, "c"),
	}))
	assert.Equal(t, StageClosing, stage([]model.Message{
		msg(model.RoleUser, "a"), msg(model.RoleAssistant, "b"), msg(model.RoleUser, "Thanks!"),
	}))
	long := make([]model.Message, 8)
	for i := range long {
		long[i] = msg(model.RoleAssistant, "x")
	}
	assert.Equal(t, StageResolution, stage(long))
}

func TestAnalyze(t *testing.T) {
	conv := model.Conversation{Messages: []model.Message{
		{Role: model.RoleUser, Content: "How do I configure webhooks for billing events?"},
		{Role: model.RoleAssistant, Content: "I'm not sure, I couldn't find webhook docs.",
			Metadata: map[string]any{"retrieval_used": true, "retrieval_relevance": 0.35}},
		{Role: model.RoleUser, Content: "The billing webhooks never fire?"},
	}}

	a, err := New().Analyze(context.Background(), conv, 1)
	require.NoError(t, err)
	assert.Equal(t, StageExploration, a.Stage)
	assert.Equal(t, IntentQuestion, a.Intent)
	assert.Equal(t, []string{"billing", "configure", "events"}, a.Topics)
	assert.True(t, a.RetrievalUsed)
	assert.Equal(t, 0.35, a.RetrievalRelevance)
	assert.Equal(t, a.Topics, a.KnowledgeGaps)
	assert.Equal(t, []string{"topic:billing"}, a.Patterns)
}

func TestAnalyzeOutOfRange(t *testing.T) {
	a, err := New().Analyze(context.Background(), model.Conversation{}, 3)
	require.NoError(t, err)
	assert.Equal(t, model.ContextAnalysis{}, a)
}
