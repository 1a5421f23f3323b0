package accountant

import (
	"math/rand/v2"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana-sub003/core"
)

func msg(role core.Role, content string) core.Message {
	return core.NewMessage(role, content)
}

func TestApproxCounter_Monotonic(t *testing.T) {
	c := ApproxCounter{CharsPerToken: 4}
	prev := 0
	for n := 0; n <= 200; n++ {
		got := c.Count(strings.Repeat("é", n))
		assert.GreaterOrEqual(t, got, prev, "length %d", n)
		prev = got
	}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 2, c.Count("abcde"))
}

func TestApproxCounter_MonotonicRandomPairs(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	c := ApproxCounter{CharsPerToken: 3}
	for i := 0; i < 500; i++ {
		a := strings.Repeat("x", r.IntN(300))
		b := strings.Repeat("y", r.IntN(300))
		if utf8.RuneCountInString(a) < utf8.RuneCountInString(b) {
			assert.LessOrEqual(t, c.Count(a), c.Count(b))
		}
	}
}

func TestSelect_RespectsBudgetAndKeepsLatestUser(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 9))
	roles := []core.Role{core.RoleUser, core.RoleAssistant, core.RoleSystem, core.RoleTool}
	for iter := 0; iter < 200; iter++ {
		var history []core.Message
		n := 1 + r.IntN(20)
		for i := 0; i < n; i++ {
			history = append(history, msg(roles[r.IntN(len(roles))], strings.Repeat("w", r.IntN(200))))
		}
		budget := r.IntN(150)

		sel := Select(history, budget)

		c := ApproxCounter{CharsPerToken: 4}
		total := 0
		for _, m := range sel.Messages {
			total += MessageTokens(c, m)
		}
		require.LessOrEqual(t, total, budget)
		assert.Equal(t, total, sel.Tokens)

		if idx := lastUserIndex(history); idx >= 0 {
			found := false
			for _, m := range sel.Messages {
				if m.ID == history[idx].ID {
					found = true
				}
			}
			assert.True(t, found, "latest user message missing (iter %d)", iter)
		}
	}
}

func TestSelect_PreservesOrderAndPrefersRecent(t *testing.T) {
	history := []core.Message{
		msg(core.RoleUser, strings.Repeat("a", 40)),      // 10 tokens, old
		msg(core.RoleAssistant, strings.Repeat("b", 40)), // 10 tokens
		msg(core.RoleUser, strings.Repeat("c", 40)),      // 10 tokens, latest user
	}

	sel := Select(history, 20)

	require.Len(t, sel.Messages, 2)
	assert.Equal(t, history[1].ID, sel.Messages[0].ID)
	assert.Equal(t, history[2].ID, sel.Messages[1].ID)
	assert.Equal(t, 1, sel.Dropped)
	assert.Empty(t, sel.Warnings)
}

func TestSelect_ArtifactsOutrankPlainAssistantTurns(t *testing.T) {
	artifact := msg(core.RoleAssistant, strings.Repeat("x", 40))
	artifact.Metadata = map[string]string{"artifact": "code"}
	history := []core.Message{
		artifact,
		msg(core.RoleAssistant, strings.Repeat("y", 40)),
		msg(core.RoleUser, "go"),
	}

	sel := Select(history, 11)

	require.Len(t, sel.Messages, 2)
	assert.Equal(t, artifact.ID, sel.Messages[0].ID)
}

func TestSelect_TruncatesOversizedLatestUserWithWarning(t *testing.T) {
	history := []core.Message{
		msg(core.RoleAssistant, "short"),
		msg(core.RoleUser, strings.Repeat("z", 100)), // 25 tokens
	}

	sel := Select(history, 5)

	require.Len(t, sel.Messages, 1)
	assert.Equal(t, history[1].ID, sel.Messages[0].ID)
	assert.Equal(t, 20, len(sel.Messages[0].Content))
	assert.Equal(t, "true", sel.Messages[0].Metadata["truncated"])
	assert.LessOrEqual(t, sel.Tokens, 5)
	require.Len(t, sel.Warnings, 1)
	assert.Contains(t, sel.Warnings[0], "truncated")
	assert.Equal(t, strings.Repeat("z", 100), history[1].Content, "input must not be mutated")
}

func TestSelect_CustomCounterAndWeights(t *testing.T) {
	history := []core.Message{
		msg(core.RoleSystem, "sys"),
		msg(core.RoleAssistant, "reply"),
		msg(core.RoleUser, "q"),
	}

	sel := Select(history, 2, func(o *Options) {
		o.Counter = ApproxCounter{CharsPerToken: 100}
		o.Weights.Recency = 0
		o.Weights.SystemBoost = 2
	})

	require.Len(t, sel.Messages, 2)
	assert.Equal(t, core.RoleSystem, sel.Messages[0].Role)
	assert.Equal(t, core.RoleUser, sel.Messages[1].Role)
}

func TestSelect_EmptyHistory(t *testing.T) {
	sel := Select(nil, 100)
	assert.Empty(t, sel.Messages)
	assert.Zero(t, sel.Tokens)
}
