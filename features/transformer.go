package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"reviewml.com/sentiment/dataset"
)

const numericFields = 3

// Config sets the vocabulary caps for the two text fields.
type Config struct {
	SummaryVocabSize int
	ReviewVocabSize  int
}

func DefaultConfig() Config {
	return Config{
		SummaryVocabSize: 50,
		ReviewVocabSize:  150,
	}
}

// numericStats is the fitted state of one numeric column: the training mean
// used for imputation and the training range used for scaling. Scaling
// happens after imputation, so Min and Max are taken over imputed values.
type numericStats struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

func (s numericStats) scale(v float64) float64 {
	if s.Max == s.Min {
		return 0
	}
	return (v - s.Min) / (s.Max - s.Min)
}

// Vocabulary is a fitted bag-of-words term list. Terms are stored in column
// order; the index is rebuilt after deserialization.
type Vocabulary struct {
	Terms []string `json:"terms"`

	index map[string]int
}

func (v *Vocabulary) buildIndex() {
	v.index = make(map[string]int, len(v.Terms))
	for i, term := range v.Terms {
		v.index[term] = i
	}
}

// Transformer converts review rows into fixed-width feature vectors:
// three scaled numeric fields, then a binary bag-of-words block per text
// field (summary first). All state is learned from the training subset
// only; text fields are expected to be normalized already.
type Transformer struct {
	Verified *numericStats `json:"verified"`
	Time     *numericStats `json:"time"`
	LogVotes *numericStats `json:"log_votes"`
	Summary  *Vocabulary   `json:"summary_vocabulary"`
	Review   *Vocabulary   `json:"review_vocabulary"`

	cfg Config
}

func NewTransformer(cfg Config) *Transformer {
	if cfg.SummaryVocabSize <= 0 {
		cfg.SummaryVocabSize = DefaultConfig().SummaryVocabSize
	}
	if cfg.ReviewVocabSize <= 0 {
		cfg.ReviewVocabSize = DefaultConfig().ReviewVocabSize
	}
	return &Transformer{cfg: cfg}
}

func (t *Transformer) fitted() bool {
	return t.Verified != nil && t.Time != nil && t.LogVotes != nil &&
		t.Summary != nil && t.Review != nil
}

// Dim is the feature vector width. Zero until fitted.
func (t *Transformer) Dim() int {
	if !t.fitted() {
		return 0
	}
	return numericFields + len(t.Summary.Terms) + len(t.Review.Terms)
}

// Fit learns imputation means, scaling ranges and both vocabularies from
// the training subset.
func (t *Transformer) Fit(train *dataset.Dataset) error {
	if train.Len() == 0 {
		return errors.New("cannot fit on an empty dataset")
	}

	verified := make([]*float64, train.Len())
	times := make([]*float64, train.Len())
	votes := make([]*float64, train.Len())
	for i := range train.Rows {
		r := &train.Rows[i]
		v := 0.0
		if r.Verified {
			v = 1.0
		}
		verified[i] = &v
		times[i] = r.Time
		votes[i] = r.LogVotes
	}
	t.Verified = fitNumeric(verified)
	t.Time = fitNumeric(times)
	t.LogVotes = fitNumeric(votes)

	t.Summary = fitVocabulary(textColumn(train, summaryField), t.cfg.SummaryVocabSize)
	t.Review = fitVocabulary(textColumn(train, reviewField), t.cfg.ReviewVocabSize)
	return nil
}

// Transform builds one feature vector per row. Vocabulary terms unseen
// during Fit are ignored; the label never enters the matrix.
func (t *Transformer) Transform(d *dataset.Dataset) ([][]float64, error) {
	if !t.fitted() {
		return nil, errors.New("transformer is not fitted")
	}

	matrix := make([][]float64, d.Len())
	for i := range d.Rows {
		r := &d.Rows[i]

		vector := make([]float64, 0, t.Dim())
		v := 0.0
		if r.Verified {
			v = 1.0
		}
		vector = append(vector, t.Verified.scale(v))
		vector = append(vector, t.Time.scale(impute(r.Time, t.Time.Mean)))
		vector = append(vector, t.LogVotes.scale(impute(r.LogVotes, t.LogVotes.Mean)))
		vector = append(vector, t.Summary.vectorize(textValue(r, summaryField))...)
		vector = append(vector, t.Review.vectorize(textValue(r, reviewField))...)
		matrix[i] = vector
	}
	return matrix, nil
}

// Labels extracts the label column in row order.
func Labels(d *dataset.Dataset) []int {
	out := make([]int, d.Len())
	for i := range d.Rows {
		out[i] = d.Rows[i].IsPositive
	}
	return out
}

// Marshal serializes the fitted state so serving paths can reuse the exact
// train-time vocabularies and scaling.
func (t *Transformer) Marshal() ([]byte, error) {
	if !t.fitted() {
		return nil, errors.New("transformer is not fitted")
	}
	return json.Marshal(t)
}

func Unmarshal(data []byte) (*Transformer, error) {
	var t Transformer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transformer: %w", err)
	}
	if !t.fitted() {
		return nil, errors.New("transformer document is incomplete")
	}
	t.Summary.buildIndex()
	t.Review.buildIndex()
	t.cfg = Config{
		SummaryVocabSize: len(t.Summary.Terms),
		ReviewVocabSize:  len(t.Review.Terms),
	}
	return &t, nil
}

func (t *Transformer) Save(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to save transformer: %w", err)
	}
	return nil
}

func Load(path string) (*Transformer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load transformer: %w", err)
	}
	return Unmarshal(data)
}

func impute(v *float64, mean float64) float64 {
	if v == nil {
		return mean
	}
	return *v
}

// fitNumeric learns the column mean over present values, then the range
// over the imputed column.
func fitNumeric(col []*float64) *numericStats {
	sum := 0.0
	present := 0
	for _, v := range col {
		if v != nil {
			sum += *v
			present++
		}
	}
	stats := &numericStats{}
	if present > 0 {
		stats.Mean = sum / float64(present)
	}

	for i, v := range col {
		imputed := impute(v, stats.Mean)
		if i == 0 {
			stats.Min = imputed
			stats.Max = imputed
			continue
		}
		if imputed < stats.Min {
			stats.Min = imputed
		}
		if imputed > stats.Max {
			stats.Max = imputed
		}
	}
	return stats
}

// fitVocabulary keeps the limit highest-frequency terms of the corpus,
// ties broken lexicographically, and orders the kept terms
// lexicographically.
func fitVocabulary(corpus []string, limit int) *Vocabulary {
	counts := make(map[string]int)
	for _, doc := range corpus {
		if doc == "" {
			continue
		}
		for _, term := range strings.Fields(doc) {
			counts[term]++
		}
	}

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	sort.Strings(terms)

	v := &Vocabulary{Terms: terms}
	v.buildIndex()
	return v
}

func (v *Vocabulary) vectorize(doc string) []float64 {
	block := make([]float64, len(v.Terms))
	if doc == "" {
		return block
	}
	for _, term := range strings.Fields(doc) {
		if i, ok := v.index[term]; ok {
			block[i] = 1
		}
	}
	return block
}

type textField int

const (
	summaryField textField = iota
	reviewField
)

func textValue(r *dataset.Row, field textField) string {
	var v *string
	switch field {
	case summaryField:
		v = r.Summary
	default:
		v = r.ReviewText
	}
	if v == nil {
		return ""
	}
	return *v
}

func textColumn(d *dataset.Dataset, field textField) []string {
	out := make([]string, d.Len())
	for i := range d.Rows {
		out[i] = textValue(&d.Rows[i], field)
	}
	return out
}
