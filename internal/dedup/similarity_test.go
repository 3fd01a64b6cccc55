package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Rural Broadband Expansion", "rural broadband expansion"},
		{"  FY2025: Clean-Water (Phase II)  ", "fy2025 clean water phase ii"},
		{"Community   Development\tBlock Grant", "community development block grant"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTitle(tt.in), "input %q", tt.in)
	}
}

func TestTitleSimilarity(t *testing.T) {
	t.Run("Identical", func(t *testing.T) {
		assert.Equal(t, 1.0, TitleSimilarity("Rural Broadband Expansion", "Rural Broadband Expansion"))
	})

	t.Run("CaseAndPunctuationInsensitive", func(t *testing.T) {
		assert.Equal(t, 1.0, TitleSimilarity("Rural Broadband Expansion!", "rural broadband expansion"))
	})

	t.Run("StopWordsIgnored", func(t *testing.T) {
		// "the", "for", "grant", "program" carry no signal.
		assert.Equal(t, 1.0, TitleSimilarity(
			"The Grant Program for Rural Broadband",
			"Rural Broadband",
		))
	})

	t.Run("PartialOverlap", func(t *testing.T) {
		// {rural, broadband, expansion} vs {rural, water, expansion}:
		// intersection 2, union 4.
		assert.InDelta(t, 0.5, TitleSimilarity("Rural Broadband Expansion", "Rural Water Expansion"), 1e-9)
	})

	t.Run("Disjoint", func(t *testing.T) {
		assert.Equal(t, 0.0, TitleSimilarity("Solar Energy Fellowship", "Municipal Wastewater Infrastructure"))
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Equal(t, 0.0, TitleSimilarity("", "Rural Broadband"))
		assert.Equal(t, 0.0, TitleSimilarity("", ""))
	})

	t.Run("AllStopWordsFallsBackToRawTokens", func(t *testing.T) {
		assert.Equal(t, 1.0, TitleSimilarity("The Grant Program", "the grant program"))
	})
}
