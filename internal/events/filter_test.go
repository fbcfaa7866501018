package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMatchesBranch(t *testing.T) {
	cases := []struct {
		name     string
		filter   *string
		branch   string
		def      string
		expected bool
	}{
		{"nil filter matches default branch", nil, "main", "main", true},
		{"nil filter rejects non-default branch", nil, "feature", "main", false},
		{"all sentinel matches anything", strPtr("all"), "anything", "main", true},
		{"star sentinel matches anything", strPtr("*"), "anything", "main", true},
		{"exact literal match", strPtr("release/v1"), "release/v1", "main", true},
		{"exact literal no match", strPtr("release/v1"), "release/v2", "main", false},
		{"glob match", strPtr("release/*"), "release/v1", "main", true},
		{"glob no match", strPtr("release/*"), "main", "main", false},
		{"comma list matches second component", strPtr("main,release/*"), "release/v9", "main", true},
		{"empty string treated as default-only", strPtr(""), "main", "main", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, MatchesBranch(tc.filter, tc.branch, tc.def))
		})
	}
}

func TestMatchesBranch_S5Scenario(t *testing.T) {
	filter := strPtr("release/*")
	require.True(t, MatchesBranch(filter, BranchFromRef("refs/heads/release/v1"), "main"))
	require.False(t, MatchesBranch(filter, BranchFromRef("refs/heads/main"), "main"))
}

func TestKindForWebhookEvent(t *testing.T) {
	kind, ok := KindForWebhookEvent("pull_request")
	require.True(t, ok)
	require.Equal(t, KindPR, kind)

	kind, ok = KindForWebhookEvent("push")
	require.True(t, ok)
	require.Equal(t, KindCommits, kind)

	_, ok = KindForWebhookEvent("star")
	require.False(t, ok)
}

func TestBranchFromRef(t *testing.T) {
	require.Equal(t, "main", BranchFromRef("refs/heads/main"))
	require.Equal(t, "v1.0.0", BranchFromRef("v1.0.0"))
}
