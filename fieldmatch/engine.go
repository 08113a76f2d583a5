// Package fieldmatch implements fuzzy matching of requested field names
// against a known schema vocabulary.
//
// Scoring combines exact normalized matching, normalized edit distance,
// token overlap, and an optional naming-affix pattern check. Output order
// is deterministic: score descending, then shorter field name, then lexical.
package fieldmatch

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"
)

// Suggestion is one candidate field with its similarity score in [0,1].
type Suggestion struct {
	Field string  `json:"field"`
	Score float64 `json:"score"`
}

// Config bounds the suggestion output.
type Config struct {
	SimilarityThreshold   float64
	MaxSuggestions        int
	EnablePatternMatching bool
}

// Engine 字段校验引擎，除加载的词表外无状态。
type Engine struct {
	config Config
}

// NewEngine creates a field validation engine.
func NewEngine(config Config) *Engine {
	return &Engine{config: config}
}

// normalize lowercases and trims a field name for comparison.
func normalize(field string) string {
	return strings.ToLower(strings.TrimSpace(field))
}

// tokens splits a normalized field name on underscores.
func tokens(field string) []string {
	parts := strings.Split(field, "_")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// tokenOverlap returns |A∩B| / |A∪B| over underscore-separated name parts.
func tokenOverlap(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	common := 0
	union := len(set)
	seen := make(map[string]bool, len(tb))
	for _, t := range tb {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			common++
		} else {
			union++
		}
	}
	return float64(common) / float64(union)
}

// sharesAffix reports whether two names share a leading or trailing part,
// the common naming-convention signal in warehouse schemas (id/code/date
// suffixes, domain prefixes).
func sharesAffix(a, b string) bool {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	return ta[0] == tb[0] || ta[len(ta)-1] == tb[len(tb)-1]
}

// score computes the similarity score for one candidate.
func (e *Engine) score(requested, candidate string) float64 {
	if requested == candidate {
		return 1.0
	}

	s := levenshtein.Similarity(requested, candidate, nil)
	if overlap := tokenOverlap(requested, candidate); overlap > s {
		s = overlap
	}

	// 命名模式匹配：共享前后缀的候选在阈值附近获得提升
	if e.config.EnablePatternMatching && sharesAffix(requested, candidate) {
		promoted := s + 0.1
		if promoted > 0.99 {
			promoted = 0.99
		}
		if promoted > s {
			s = promoted
		}
	}
	return s
}

// Suggest returns candidates scoring at or above the similarity threshold,
// ordered by score descending, truncated to MaxSuggestions.
func (e *Engine) Suggest(requestedField string, knownFields []string) []Suggestion {
	requested := normalize(requestedField)
	if requested == "" {
		return nil
	}

	suggestions := make([]Suggestion, 0, len(knownFields))
	seen := make(map[string]bool, len(knownFields))
	for _, known := range knownFields {
		candidate := normalize(known)
		if candidate == "" || seen[candidate] {
			continue
		}
		seen[candidate] = true

		if s := e.score(requested, candidate); s >= e.config.SimilarityThreshold {
			suggestions = append(suggestions, Suggestion{Field: candidate, Score: s})
		}
	}

	sort.Slice(suggestions, func(i, j int) bool {
		a, b := suggestions[i], suggestions[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Field) != len(b.Field) {
			return len(a.Field) < len(b.Field)
		}
		return a.Field < b.Field
	})

	if e.config.MaxSuggestions > 0 && len(suggestions) > e.config.MaxSuggestions {
		suggestions = suggestions[:e.config.MaxSuggestions]
	}
	return suggestions
}

// Exact reports whether the requested field matches a known field after
// normalization.
func (e *Engine) Exact(requestedField string, knownFields []string) bool {
	requested := normalize(requestedField)
	for _, known := range knownFields {
		if normalize(known) == requested {
			return true
		}
	}
	return false
}
