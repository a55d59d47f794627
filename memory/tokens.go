package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/c360studio/agentmesh/llm"
)

// perMessageOverhead approximates the per-message framing tokens chat
// templates add around content.
const perMessageOverhead = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of a message list using
// the cl100k_base encoding. When the encoding is unavailable (no cached
// BPE data), it falls back to a bytes/4 heuristic so budget accounting
// keeps working offline.
func EstimateTokens(msgs []llm.Message) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		if encoding != nil {
			total += len(encoding.Encode(m.Content, nil, nil))
			continue
		}
		total += len(m.Content) / 4
	}
	return total
}

// TrimToTokenBudget drops the oldest messages until the estimated token
// count fits the budget. The newest message always survives, so an
// oversized single turn goes through rather than producing an empty
// conversation. A budget of zero or less means unbounded.
func TrimToTokenBudget(msgs []llm.Message, budget int) []llm.Message {
	if budget <= 0 {
		return msgs
	}
	for len(msgs) > 1 && EstimateTokens(msgs) > budget {
		msgs = msgs[1:]
	}
	return msgs
}
