package services

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxCategoryDistance is the largest edit distance, relative to the longer
// name, at which an OCR hint is taken to mean an existing category.
const maxCategoryDistance = 0.4

// matchCategory maps an OCR category hint onto the closest of the user's
// existing categories, so "grocery" lands in "Groceries". A hint with no
// close match is returned unchanged.
func matchCategory(hint string, known []string) string {
	h := strings.ToUpper(strings.TrimSpace(hint))
	if h == "" {
		return hint
	}

	best, bestScore := "", maxCategoryDistance
	for _, k := range known {
		u := strings.ToUpper(k)
		if u == h {
			return k
		}
		longer := max(len(u), len(h))
		score := float64(levenshtein.ComputeDistance(u, h)) / float64(longer)
		if score < bestScore {
			best, bestScore = k, score
		}
	}
	if best == "" {
		return hint
	}
	return best
}
