package sagemaker

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeTrainingCSV renders a feature matrix as headerless CSV with the
// label in the first column, the layout the linear learner trains on.
func EncodeTrainingCSV(labels []int, matrix [][]float64) (string, error) {
	if len(labels) != len(matrix) {
		return "", fmt.Errorf("label count %d does not match row count %d", len(labels), len(matrix))
	}
	var b strings.Builder
	for i, row := range matrix {
		b.WriteString(strconv.Itoa(labels[i]))
		for _, v := range row {
			b.WriteByte(',')
			b.WriteString(formatFeature(v))
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// encodeBatchCSV renders feature rows without labels, the invocation body
// format of a hosted endpoint.
func encodeBatchCSV(matrix [][]float64) string {
	var b strings.Builder
	for _, row := range matrix {
		for i, v := range row {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(formatFeature(v))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatFeature(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
