package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKeywords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "numbered list", raw: "Keywords:\n1. Go Language\n2) Channels\n3. go language\n", want: []string{"Go Language", "Channels"}},
		{name: "bullets", raw: "- alpha\n* beta\n• gamma", want: []string{"alpha", "beta", "gamma"}},
		{name: "comma separated", raw: `"one", two, three.`, want: []string{"one", "two", "three"}},
		{name: "empty", raw: "  ", want: []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ParseKeywords(tc.raw))
		})
	}
}

func TestNormalizeSentiment(t *testing.T) {
	t.Parallel()

	require.Equal(t, SentimentPositive, NormalizeSentiment("Positive."))
	require.Equal(t, SentimentNegative, NormalizeSentiment(" negative"))
	require.Equal(t, SentimentNeutral, NormalizeSentiment("Mixed"))
}

func TestParseScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want int
	}{
		{raw: `{"score": 8, "explanation": "clear"}`, want: 8},
		{raw: "Here you go: {\"explanation\": \"ok\", \"score\": 3}", want: 3},
		{raw: "7", want: 7},
		{raw: "I would give it 9/10 overall", want: 9},
		{raw: "My rating is 6 because it is fair", want: 6},
		{raw: "Score: 42", want: 5},
		{raw: "no idea", want: 5},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, ParseScore(tc.raw), tc.raw)
	}
}

func TestOverallScoreRoundsToOneDecimal(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 7.7, OverallScore(8, 7, 8), 1e-9)
	require.InDelta(t, 7.0, OverallScore(7, 7, 7), 1e-9)
	require.InDelta(t, 6.3, OverallScore(6, 6, 7), 1e-9)
	require.Zero(t, OverallScore())
}
