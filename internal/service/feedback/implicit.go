package feedback

import (
	"strings"

	"github.com/ashita-ai/manabi/internal/model"
)

// completionMarkers are phrases that suggest the user's task is done.
var completionMarkers = []string{
	"thanks",
	"thank you",
	"solved",
	"works",
	"perfect",
	"got it",
	"that helps",
	"great",
}

// trailingUserTurns is how many of the last user turns are scanned for
// completion markers.
const trailingUserTurns = 3

// ComputeImplicit derives behavioral metrics for the assistant turn at
// index reply. A negative reply means the conversation has no assistant
// turn to measure against; only whole-conversation metrics are filled in.
func ComputeImplicit(conv model.Conversation, reply int) model.ImplicitMetrics {
	msgs := conv.Messages
	var m model.ImplicitMetrics
	if len(msgs) == 0 {
		return m
	}

	m.SessionDurationMs = msgs[len(msgs)-1].CreatedAt.Sub(msgs[0].CreatedAt).Milliseconds()
	m.TaskCompleted = hasCompletionMarker(msgs)

	var nextUser *model.Message
	if reply >= 0 {
		for i := reply + 1; i < len(msgs); i++ {
			if msgs[i].Role != model.RoleUser {
				continue
			}
			if nextUser == nil {
				nextUser = &msgs[i]
			}
			m.Continued = true
			if strings.Contains(msgs[i].Content, "?") {
				m.FollowUpCount++
			}
		}
	}

	replyLen := 0
	if nextUser != nil {
		replyLen = len(nextUser.Content)
		if d := nextUser.CreatedAt.Sub(msgs[reply].CreatedAt); d > 0 {
			m.ResponseTimeMs = d.Milliseconds()
		}
	}
	m.EngagementScore = model.Clamp01(
		0.5*min(float64(len(msgs))/10, 1) + 0.5*min(float64(replyLen)/200, 1),
	)
	return m
}

func hasCompletionMarker(msgs []model.Message) bool {
	seen := 0
	for i := len(msgs) - 1; i >= 0 && seen < trailingUserTurns; i-- {
		if msgs[i].Role != model.RoleUser {
			continue
		}
		seen++
		text := strings.ToLower(msgs[i].Content)
		for _, marker := range completionMarkers {
			if strings.Contains(text, marker) {
				return true
			}
		}
	}
	return false
}
