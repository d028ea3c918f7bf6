package normalize

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer turns raw mention and predicate strings into NormalizedKeys.
// It holds no mutable state after construction and is safe for concurrent use.
type Normalizer struct {
	synonyms map[domain.NormalizedKey]domain.NormalizedKey
}

// New builds a Normalizer. Synonym keys and values are normalized first and
// chains (a -> b, b -> c) are collapsed so every lookup is a single step.
// A cycle in the table is rejected.
func New(synonyms map[string]string) (*Normalizer, error) {
	n := &Normalizer{synonyms: make(map[domain.NormalizedKey]domain.NormalizedKey, len(synonyms))}

	direct := make(map[domain.NormalizedKey]domain.NormalizedKey, len(synonyms))
	for alias, canonical := range synonyms {
		a, err := fold(alias)
		if err != nil {
			return nil, fmt.Errorf("synonym alias %q: %w", alias, err)
		}
		c, err := fold(canonical)
		if err != nil {
			return nil, fmt.Errorf("synonym canonical form %q: %w", canonical, err)
		}
		if a == c {
			continue
		}
		if prev, ok := direct[a]; ok && prev != c {
			return nil, fmt.Errorf("synonym %q maps to both %q and %q", a, prev, c)
		}
		direct[a] = c
	}

	for alias := range direct {
		target := alias
		seen := map[domain.NormalizedKey]bool{alias: true}
		for {
			next, ok := direct[target]
			if !ok {
				break
			}
			if seen[next] {
				return nil, fmt.Errorf("synonym cycle through %q", alias)
			}
			seen[next] = true
			target = next
		}
		n.synonyms[alias] = target
	}

	return n, nil
}

// Normalize folds case, strips diacritics and punctuation noise, collapses
// whitespace and applies the synonym table. Invalid UTF-8 and strings that
// normalize to nothing are reported as ErrMalformedInput.
func (n *Normalizer) Normalize(raw string) (domain.NormalizedKey, error) {
	key, err := fold(raw)
	if err != nil {
		return "", err
	}
	if canonical, ok := n.synonyms[key]; ok {
		return canonical, nil
	}
	return key, nil
}

// NormalizePredicate applies the same normalization as mentions, so
// "prerequisite_of" and "Prerequisite of" are one predicate.
func (n *Normalizer) NormalizePredicate(raw string) (domain.NormalizedKey, error) {
	return n.Normalize(raw)
}

func (n *Normalizer) SynonymCount() int {
	return len(n.synonyms)
}

func fold(raw string) (domain.NormalizedKey, error) {
	if !utf8.ValidString(raw) {
		return "", fmt.Errorf("%w: mention is not valid UTF-8", domain.ErrMalformedInput)
	}

	// transform.Chain and cases.Caser carry internal buffers, so build per call.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(stripMarks, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	folded := cases.Fold().String(stripped)

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '+', r == '#':
			return r
		}
		return ' '
	}, folded)

	key := strings.Join(strings.Fields(cleaned), " ")
	if key == "" {
		return "", fmt.Errorf("%w: mention %q is empty after normalization", domain.ErrMalformedInput, raw)
	}
	return domain.NormalizedKey(key), nil
}
