package matching

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScorer_NormalizeName(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases", "Alex Thompson", "alex thompson"},
		{"strips suffix", "Alex Thompson Jr.", "alex thompson"},
		{"strips punctuation", "O'Brien, Patrick", "obrien patrick"},
		{"collapses whitespace", "  Alex   Thompson ", "alex thompson"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, s.NormalizeName(tt.input))
		})
	}
}

func TestScorer_LevenshteinDistance(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"alex thompson", "alec thompson", 1},
		{"john smith", "jon smith", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, s.LevenshteinDistance(tt.a, tt.b))
		})
	}
}

func TestScorer_LevenshteinDistanceIsSymmetric(t *testing.T) {
	s := NewScorer()
	pairs := [][2]string{
		{"alex thompson", "a thompson"},
		{"kitten", "sitting"},
		{"", "abc"},
	}
	for _, p := range pairs {
		assert.Equal(t, s.LevenshteinDistance(p[0], p[1]), s.LevenshteinDistance(p[1], p[0]))
	}
}

func TestScorer_LevenshteinSimilarity(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.LevenshteinSimilarity("", ""))
	assert.Equal(t, 1.0, s.LevenshteinSimilarity("abc", "abc"))
	assert.Equal(t, 0.0, s.LevenshteinSimilarity("abc", "xyz"))
	assert.InDelta(t, 1.0-1.0/13.0, s.LevenshteinSimilarity("alex thompson", "alec thompson"), 1e-9)
}

func TestScorer_CosineSimilarity(t *testing.T) {
	s := NewScorer()

	t.Run("identical vectors", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.CosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		assert.Equal(t, 0.0, s.CosineSimilarity([]float64{1, 0}, []float64{0, 1}))
	})

	t.Run("opposite vectors clamp to zero", func(t *testing.T) {
		assert.Equal(t, 0.0, s.CosineSimilarity([]float64{1, 0}, []float64{-1, 0}))
	})

	t.Run("mismatched lengths score zero", func(t *testing.T) {
		assert.Equal(t, 0.0, s.CosineSimilarity([]float64{1, 2}, []float64{1, 2, 3}))
	})

	t.Run("empty vectors score zero", func(t *testing.T) {
		assert.Equal(t, 0.0, s.CosineSimilarity(nil, nil))
		assert.Equal(t, 0.0, s.CosineSimilarity([]float64{0, 0}, []float64{0, 0}))
	})

	t.Run("known angle", func(t *testing.T) {
		c := 0.94
		a := []float64{1, 0}
		b := []float64{c, math.Sqrt(1 - c*c)}
		assert.InDelta(t, 0.94, s.CosineSimilarity(a, b), 1e-9)
	})

	t.Run("symmetric", func(t *testing.T) {
		a := []float64{0.3, 0.5, 0.1}
		b := []float64{0.2, 0.9, 0.4}
		assert.Equal(t, s.CosineSimilarity(a, b), s.CosineSimilarity(b, a))
	})
}
