package evaluate

import "github.com/jonreiter/govader"

const vaderPositiveThreshold = 0.05

// VaderBaseline labels raw review texts with the VADER rule-based
// analyzer, the usual sanity floor for a trained sentiment model. A
// compound score of at least 0.05 counts as positive.
func VaderBaseline(texts []string) []int {
	analyzer := govader.NewSentimentIntensityAnalyzer()

	out := make([]int, len(texts))
	for i, text := range texts {
		if analyzer.PolarityScores(text).Compound >= vaderPositiveThreshold {
			out[i] = 1
		}
	}
	return out
}
