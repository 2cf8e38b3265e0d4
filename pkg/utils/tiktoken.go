// Package utils provides tiktoken-based token counting.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"rlm/pkg/proto"
)

// perMessageOverhead approximates the role and framing tokens of one chat message.
const perMessageOverhead = 4

// TokenCounter counts tokens with a GPT-4 codec. Other model families are
// approximated with the same encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text. Without a codec, or on a
// codec error, it falls back to four characters per token.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountMessages estimates the prompt size of a conversation, including tool
// call names, tool call arguments and tool results.
func (tc *TokenCounter) CountMessages(msgs []proto.Message) int {
	total := 0
	for i := range msgs {
		m := &msgs[i]
		total += perMessageOverhead + tc.CountTokens(m.Content)
		for _, call := range m.ToolCalls {
			total += tc.CountTokens(call.Name)
			for k, v := range call.Parameters {
				total += tc.CountTokens(k) + tc.CountTokens(fmt.Sprint(v))
			}
		}
		if m.ToolResult != nil {
			total += tc.CountTokens(m.ToolResult.Content)
		}
	}
	return total
}

var (
	defaultCounterOnce sync.Once
	defaultCounter     *TokenCounter
)

// DefaultTokenCounter returns a shared GPT-4 counter. If the codec cannot be
// loaded the counter falls back to character estimation.
func DefaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		counter, err := NewTokenCounter("gpt-4")
		if err != nil {
			counter = &TokenCounter{}
		}
		defaultCounter = counter
	})
	return defaultCounter
}

// CountTokensSimple counts text with the shared counter.
func CountTokensSimple(text string) int {
	return DefaultTokenCounter().CountTokens(text)
}

// TruncateToTokenLimit cuts text to roughly limit tokens. It cuts by
// characters, not token boundaries, and keeps a 10% margin.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}
