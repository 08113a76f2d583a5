package history

import (
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/edwflow/types"
)

// TokenCounter counts tokens for history budget decisions.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter 基于 tiktoken 的精确计数器。
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter backed by the cl100k_base encoding.
// Returns an error when the encoding data cannot be loaded, in which case
// callers should fall back to the estimator.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{encoding: enc}, nil
}

// Count returns the exact token count for text.
func (t *TiktokenCounter) Count(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// EstimateCounter 估算计数器：英文约 4 字符/token，中文约 1.5 字符/token。
type EstimateCounter struct{}

// Count estimates the token count for text.
func (EstimateCounter) Count(text string) int {
	var ascii, cjk int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			cjk++
		} else {
			ascii++
		}
	}
	n := ascii/4 + cjk*2/3
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// NewTokenCounter returns a tiktoken counter when available, otherwise
// the character estimator.
func NewTokenCounter() TokenCounter {
	if c, err := NewTiktokenCounter(); err == nil {
		return c
	}
	return EstimateCounter{}
}

// CountMessages sums the token counts over message contents.
func CountMessages(counter TokenCounter, msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += counter.Count(m.Content)
	}
	return total
}
