package evaluate

import (
	"errors"
	"fmt"
)

// Summary holds binary classification quality against the positive class,
// with the raw confusion counts it was computed from.
type Summary struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`

	TruePositive  int `json:"true_positive"`
	TrueNegative  int `json:"true_negative"`
	FalsePositive int `json:"false_positive"`
	FalseNegative int `json:"false_negative"`
}

func (s Summary) String() string {
	return fmt.Sprintf("accuracy=%.4f precision=%.4f recall=%.4f f1=%.4f",
		s.Accuracy, s.Precision, s.Recall, s.F1)
}

// Metrics scores predictions against the true labels. Ratios with an empty
// denominator come back as 0 rather than NaN.
func Metrics(yTrue, yPred []int) (Summary, error) {
	if len(yTrue) != len(yPred) {
		return Summary{}, fmt.Errorf("label count %d does not match prediction count %d", len(yTrue), len(yPred))
	}
	if len(yTrue) == 0 {
		return Summary{}, errors.New("nothing to evaluate")
	}

	s := Summary{}
	for i := range yTrue {
		switch {
		case yTrue[i] == 1 && yPred[i] == 1:
			s.TruePositive++
		case yTrue[i] == 0 && yPred[i] == 0:
			s.TrueNegative++
		case yTrue[i] == 0 && yPred[i] == 1:
			s.FalsePositive++
		default:
			s.FalseNegative++
		}
	}

	s.Accuracy = float64(s.TruePositive+s.TrueNegative) / float64(len(yTrue))
	s.Precision = ratio(s.TruePositive, s.TruePositive+s.FalsePositive)
	s.Recall = ratio(s.TruePositive, s.TruePositive+s.FalseNegative)
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
