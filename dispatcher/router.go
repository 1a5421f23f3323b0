package dispatcher

import (
	"strings"
	"unicode"

	"github.com/NickB03/vana-sub003/core"
)

// RouterOptions configure a Router. Weights are configuration; the defaults
// make a bare chat request land on the generalist.
type RouterOptions struct {
	// TaskWeight scales the task_type affinity term.
	TaskWeight float64
	// KeywordWeight scales the prompt keyword term.
	KeywordWeight float64
	// Affinity maps a task type to per-category affinities in [0,1].
	Affinity map[core.TaskType]map[core.SpecialistCategory]float64
	// Keywords are lower-case single words signalling a category.
	Keywords map[core.SpecialistCategory][]string
	// MaxKeywordHits caps the keyword term so long prompts do not dominate.
	MaxKeywordHits int
}

// DefaultAffinity returns the built-in task type affinities.
func DefaultAffinity() map[core.TaskType]map[core.SpecialistCategory]float64 {
	return map[core.TaskType]map[core.SpecialistCategory]float64{
		core.TaskChat: {
			core.CategoryConversational: 1,
			core.CategoryCreative:       0.3,
		},
		core.TaskPlan: {
			core.CategoryResearch:       1,
			core.CategoryCode:           0.4,
			core.CategoryConversational: 0.3,
		},
		core.TaskExecute: {
			core.CategoryCode:     1,
			core.CategoryResearch: 0.3,
		},
		core.TaskDiagnose: {
			core.CategoryDiagnostic: 1,
			core.CategoryCode:       0.5,
		},
	}
}

// DefaultKeywords returns the built-in prompt keywords.
func DefaultKeywords() map[core.SpecialistCategory][]string {
	return map[core.SpecialistCategory][]string{
		core.CategoryConversational: {"hello", "hi", "hey", "thanks", "thank"},
		core.CategoryResearch:       {"research", "find", "compare", "sources", "latest", "investigate", "search", "cite"},
		core.CategoryCode:           {"code", "function", "implement", "refactor", "compile", "golang", "python", "api", "script"},
		core.CategoryCreative:       {"story", "poem", "lyrics", "imagine", "creative", "novel", "slogan"},
		core.CategoryDiagnostic:     {"error", "failing", "crash", "debug", "diagnose", "broken", "panic", "exception"},
	}
}

// Router maps requests to specialist categories. It has no mutable state.
type Router struct {
	opts RouterOptions
}

// NewRouter creates a router with the default weights.
func NewRouter(optFns ...func(o *RouterOptions)) *Router {
	opts := RouterOptions{
		TaskWeight:     1,
		KeywordWeight:  0.5,
		Affinity:       DefaultAffinity(),
		Keywords:       DefaultKeywords(),
		MaxKeywordHits: 3,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{opts: opts}
}

// Scores returns every category's score for req.
func (r *Router) Scores(req core.Request) map[core.SpecialistCategory]float64 {
	words := promptWords(req.Prompt)
	affinity := r.opts.Affinity[req.TaskType]

	scores := make(map[core.SpecialistCategory]float64, len(core.Categories))
	for _, c := range core.Categories {
		hits := 0
		for _, kw := range r.opts.Keywords[c] {
			if words[kw] {
				hits++
			}
		}
		if r.opts.MaxKeywordHits > 0 {
			hits = min(hits, r.opts.MaxKeywordHits)
		}
		scores[c] = r.opts.TaskWeight*affinity[c] + r.opts.KeywordWeight*float64(hits)
	}
	return scores
}

// Route picks the specialist for req. An explicit AgentID wins; otherwise
// the highest score wins and ties go to the generalist, or to the earliest
// category when the generalist is not among them. Invalid requests fail with
// a *core.ValidationError.
func (r *Router) Route(req core.Request) (core.SpecialistCategory, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.AgentID != "" {
		c, _ := core.ParseSpecialistCategory(req.AgentID)
		return c, nil
	}

	scores := r.Scores(req)
	best := core.Generalist
	bestScore := scores[core.Generalist]
	for _, c := range core.Categories {
		if scores[c] > bestScore {
			best, bestScore = c, scores[c]
		}
	}
	if bestScore <= 0 {
		return "", core.NewValidationError("unroutable", "prompt", "no specialist matches the request")
	}
	return best, nil
}

func promptWords(prompt string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make(map[string]bool, len(fields))
	for _, f := range fields {
		words[f] = true
	}
	return words
}
