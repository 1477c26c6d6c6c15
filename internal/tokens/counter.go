// Package tokens counts model tokens the way the downstream LLM counts
// them, using a tiktoken BPE encoder. Counting is deterministic and
// side-effect free: the same input always yields the same count.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the encoder family used when none is configured.
const DefaultEncoding = "cl100k_base"

// SpliceBound bounds the token-merge effect at a concatenation seam:
// for any a, b it holds that
//
//	Count(a) + Count(b) - Count(a+b) <= SpliceBound
//
// BPE merges only happen across the boundary region, so the difference
// stays within a few tokens. Chunk accounting uses this as slack.
const SpliceBound = 4

// Counter wraps a tiktoken encoder.
type Counter struct {
	encoder  *tiktoken.Tiktoken
	encoding string
}

// NewCounter creates a counter for the given encoding name
// (e.g. "cl100k_base", "o200k_base"). An empty name selects
// DefaultEncoding.
func NewCounter(encoding string) (*Counter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	encoder, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("unknown token encoding %q: %w", encoding, err)
	}
	return &Counter{encoder: encoder, encoding: encoding}, nil
}

// Encoding returns the encoder family name.
func (c *Counter) Encoding() string {
	return c.encoding
}

// Count returns the number of model tokens in text. Empty input is 0.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoder.Encode(text, nil, nil))
}

// Tail returns the last maxTokens tokens of text, decoded back to a
// string. If text fits within maxTokens it is returned unchanged.
func (c *Counter) Tail(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	toks := c.encoder.Encode(text, nil, nil)
	if len(toks) <= maxTokens {
		return text
	}
	return c.encoder.Decode(toks[len(toks)-maxTokens:])
}

// Head returns the first maxTokens tokens of text, decoded back to a
// string.
func (c *Counter) Head(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	toks := c.encoder.Encode(text, nil, nil)
	if len(toks) <= maxTokens {
		return text
	}
	return c.encoder.Decode(toks[:maxTokens])
}
