package updates

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "sentences",
			in:   "Restart the worker after changing the limit. Check the dashboard for new alerts. Done.",
			want: []string{"Restart the worker after changing the limit.", "Check the dashboard for new alerts."},
		},
		{
			name: "abbreviations and decimals stay intact",
			in:   "Set the ratio e.g. to 0.75 for most tenants.",
			want: []string{"Set the ratio e.g. to 0.75 for most tenants."},
		},
		{
			name: "dash list",
			in:   "To rotate a key:\n- open the settings page in the dashboard\n- click regenerate next to the key",
			want: []string{"open the settings page in the dashboard", "click regenerate next to the key"},
		},
		{
			name: "numbered steps",
			in:   "1. export the billing report as csv\n2. upload the report to the finance share",
			want: []string{"export the billing report as csv", "upload the report to the finance share"},
		},
		{
			name: "inline numbered items",
			in:   "Two causes: (1) the token expired before renewal (2) the clock on the host drifted",
			want: []string{"(1) the token expired before renewal", "(2) the clock on the host drifted"},
		},
		{
			name: "substantial semicolons",
			in:   "the cache is warmed at startup; the index is rebuilt every night",
			want: []string{"the cache is warmed at startup", "the index is rebuilt every night"},
		},
		{
			name: "short semicolon pieces stay joined",
			in:   "use a; not b; for the nightly job run",
			want: []string{"use a; not b; for the nightly job run"},
		},
		{name: "empty", in: "   ", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitText(tt.in))
		})
	}
}

func TestTextOf(t *testing.T) {
	assert.Equal(t, "a", textOf(map[string]any{"answer": "a", "question": "q"}))
	assert.Equal(t, "c", textOf(map[string]any{"content": "c", "answer": "a"}))
	assert.Equal(t, "", textOf(map[string]any{"content": "  ", "n": 1}))
}
