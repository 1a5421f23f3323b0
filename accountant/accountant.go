// Package accountant counts tokens and trims conversation history to a token
// budget. Everything here is a pure function of its inputs.
package accountant

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/NickB03/vana-sub003/core"
)

// Counter converts text into a token count. Implementations must be
// deterministic and monotonic: longer text never yields a smaller count.
type Counter interface {
	Count(text string) int
}

// ApproxCounter approximates tokens as ceil(runes / CharsPerToken).
type ApproxCounter struct {
	CharsPerToken int
}

// Count implements Counter.
func (c ApproxCounter) Count(text string) int {
	per := c.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := utf8.RuneCountInString(text)
	return (n + per - 1) / per
}

// MessageTokens returns the cost of a message: its content plus any tool call
// names and arguments.
func MessageTokens(c Counter, m core.Message) int {
	text := m.Content
	for _, tc := range m.ToolCalls {
		text += tc.Name + tc.Arguments
	}
	return c.Count(text)
}

// Weights tune the importance score of a message.
type Weights struct {
	Recency  float64 // multiplier on the recency term (1 for newest, towards 0 for oldest)
	Category float64 // multiplier on the role/category boost

	LatestUserBoost float64
	ArtifactBoost   float64 // assistant messages flagged with metadata "artifact"
	AssistantBoost  float64
	SystemBoost     float64
	UserBoost       float64
	ToolBoost       float64
}

// DefaultWeights favour the latest user turn and assistant artifacts.
func DefaultWeights() Weights {
	return Weights{
		Recency:         1,
		Category:        1,
		LatestUserBoost: 1,
		ArtifactBoost:   1,
		AssistantBoost:  0.5,
		SystemBoost:     0.6,
		UserBoost:       0.4,
		ToolBoost:       0.3,
	}
}

// Options configure Select.
type Options struct {
	Counter Counter
	Weights Weights
}

// Selection is the trimmed history.
type Selection struct {
	Messages []core.Message
	Tokens   int
	Dropped  int
	Warnings []string
}

type candidate struct {
	index  int
	tokens int
	score  float64
}

// Select trims history to budget tokens. Messages are scored by recency and
// category, then accepted greedily by descending score while the running
// total stays within budget. The most recent user message is always kept; if
// it cannot fit, older kept messages are dropped first and then its content
// is truncated, with a warning instead of an error. The output preserves the
// original order.
func Select(history []core.Message, budget int, optFns ...func(o *Options)) Selection {
	opts := Options{Counter: ApproxCounter{CharsPerToken: 4}, Weights: DefaultWeights()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if budget < 0 {
		budget = 0
	}

	forced := lastUserIndex(history)
	candidates := make([]candidate, 0, len(history))
	for i, m := range history {
		candidates = append(candidates, candidate{
			index:  i,
			tokens: MessageTokens(opts.Counter, m),
			score:  score(history, i, forced, opts.Weights),
		})
	}

	var sel Selection
	included := make(map[int]bool, len(history))
	total := 0
	if forced >= 0 {
		included[forced] = true
		total = candidates[forced].tokens
	}

	ranked := make([]candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].index > ranked[j].index
	})
	for _, c := range ranked {
		if included[c.index] {
			continue
		}
		if total+c.tokens <= budget {
			included[c.index] = true
			total += c.tokens
		}
	}

	// Only the forced message can push the total over budget, and when it does
	// the greedy pass above admitted nothing else.
	var truncated *core.Message
	if total > budget && forced >= 0 {
		m := truncate(opts.Counter, history[forced], budget)
		truncated = &m
		total = MessageTokens(opts.Counter, m)
		sel.Warnings = append(sel.Warnings, fmt.Sprintf(
			"latest user message truncated from %d to %d tokens to fit budget %d",
			candidates[forced].tokens, total, budget))
	}

	for i, m := range history {
		if !included[i] {
			sel.Dropped++
			continue
		}
		if i == forced && truncated != nil {
			m = *truncated
		}
		sel.Messages = append(sel.Messages, m)
	}
	sel.Tokens = total
	return sel
}

func lastUserIndex(history []core.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == core.RoleUser {
			return i
		}
	}
	return -1
}

func score(history []core.Message, i, latestUser int, w Weights) float64 {
	recency := float64(i+1) / float64(len(history))
	var boost float64
	m := history[i]
	switch {
	case i == latestUser:
		boost = w.LatestUserBoost
	case m.Role == core.RoleAssistant && m.Metadata["artifact"] != "":
		boost = w.ArtifactBoost
	case m.Role == core.RoleAssistant:
		boost = w.AssistantBoost
	case m.Role == core.RoleSystem:
		boost = w.SystemBoost
	case m.Role == core.RoleTool:
		boost = w.ToolBoost
	default:
		boost = w.UserBoost
	}
	return w.Recency*recency + w.Category*boost
}

// truncate keeps the longest rune prefix of m's content whose cost fits
// budget. Monotonicity of the counter makes the binary search valid.
func truncate(c Counter, m core.Message, budget int) core.Message {
	runes := []rune(m.Content)
	out := m.Clone()
	out.ToolCalls = nil
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		out.Content = string(runes[:mid])
		if MessageTokens(c, out) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	out.Content = string(runes[:lo])
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	out.Metadata["truncated"] = "true"
	return out
}
