package textnorm

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kljensen/snowball/english"

	"reviewml.com/sentiment/utils"
)

var (
	spacePattern = regexp.MustCompile(`\s+`)
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	wordPattern  = regexp.MustCompile(`[\p{L}\p{N}]+(?:'[\p{L}\p{N}]+)*`)
)

// Normalizer turns raw review text into a cleaned, stemmed token string.
// The zero-argument constructor carries the standard English stop list with
// the negation and modal words removed from it.
type Normalizer struct {
	stopWords map[string]bool
	retained  map[string]bool
}

func NewNormalizer() *Normalizer {
	n := &Normalizer{
		stopWords: make(map[string]bool),
		retained:  getRetainedWords(),
	}
	for word := range getEnglishStopWords() {
		if !n.retained[word] {
			n.stopWords[word] = true
		}
	}
	return n
}

// LoadExtraStopWords extends the stop list from a file with one word per
// line. Retained negation and modal words cannot be stopped this way.
func (n *Normalizer) LoadExtraStopWords(path string) error {
	extra, err := utils.ReadSet(path)
	if err != nil {
		return fmt.Errorf("failed to load extra stop words: %w", err)
	}
	for word := range extra {
		lower := strings.ToLower(word)
		if !n.retained[lower] {
			n.stopWords[lower] = true
		}
	}
	return nil
}

// Normalize lowercases, collapses whitespace, strips <...> markup,
// tokenizes, drops purely numeric tokens, tokens of one or two runes and
// stop words, stems what remains and joins the result with single spaces.
// It never fails; unusable input comes back as "".
func (n *Normalizer) Normalize(text string) string {
	clean := strings.ToLower(text)
	clean = strings.TrimSpace(clean)
	clean = spacePattern.ReplaceAllString(clean, " ")
	clean = tagPattern.ReplaceAllString(clean, "")

	words := wordPattern.FindAllString(clean, -1)
	kept := make([]string, 0, len(words))
	for _, word := range words {
		if isNumeric(word) {
			continue
		}
		if utf8.RuneCountInString(word) <= 2 {
			continue
		}
		if n.stopWords[word] {
			continue
		}
		kept = append(kept, english.Stem(word, false))
	}
	return strings.Join(kept, " ")
}

// NormalizeColumn maps Normalize over a column of optional strings. Output
// order and length follow the input; a nil cell becomes "".
func (n *Normalizer) NormalizeColumn(vals []*string) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		out[i] = n.Normalize(*v)
	}
	return out
}

func isNumeric(word string) bool {
	for _, r := range word {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
