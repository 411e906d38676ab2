package extractor

import (
	"context"
	"regexp"
	"unicode"
	"unicode/utf8"

	"github.com/feichai0017/packet-processor/internal/models"
)

// KeywordExtractor reports every whole-word, case-insensitive occurrence of
// each entity key. It needs no model and is used as the fallback when a model
// answer cannot be parsed.
type KeywordExtractor struct{}

func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{}
}

func (k *KeywordExtractor) Name() string { return "keyword" }

func (k *KeywordExtractor) Extract(ctx context.Context, section Section) (models.Entities, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return MatchKeywords(section.Text, section.Keys), nil
}

// MatchKeywords maps each key found in text to the list of its occurrences,
// as spelled in text. Keys with no occurrence are left out.
func MatchKeywords(text string, keys []string) models.Entities {
	out := make(models.Entities)
	for _, key := range keys {
		if key == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(key))
		var hits []string
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if wordBoundary(text, loc[0], loc[1]) {
				hits = append(hits, text[loc[0]:loc[1]])
			}
		}
		if len(hits) > 0 {
			out[key] = hits
		}
	}
	return out
}

// wordBoundary reports whether text[start:end] is not glued to a letter,
// digit or underscore on either side. Unlike regexp's \b it understands
// accented letters.
func wordBoundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		first, _ := utf8.DecodeRuneInString(text[start:end])
		if isWord(r) && isWord(first) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		last, _ := utf8.DecodeLastRuneInString(text[start:end])
		if isWord(r) && isWord(last) {
			return false
		}
	}
	return true
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
