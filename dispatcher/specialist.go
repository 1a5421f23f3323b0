package dispatcher

import (
	"fmt"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/internal/util"
)

// Specialist is a routing target's configuration.
type Specialist struct {
	Category core.SpecialistCategory
	// Instructions is a text/template rendered with the run's fields:
	// specialist, task_type, user_id, session_id, hops.
	Instructions string
	// Tools names the registry tools offered to the model. The hand-off tool
	// is added while hops remain.
	Tools []string
	// Model overrides the provider's default model.
	Model string
}

// Specialists is the closed table of configured specialists.
type Specialists map[core.SpecialistCategory]Specialist

// DefaultSpecialists returns one specialist per category.
func DefaultSpecialists() Specialists {
	base := "You are the {{.specialist}} specialist of a chat assistant. " +
		"The request is a {{default \"chat\" .task_type}} task. " +
		"If another specialist is clearly better suited, call transfer_to_specialist."
	return Specialists{
		core.CategoryConversational: {
			Category:     core.CategoryConversational,
			Instructions: base + " Answer conversationally and concisely.",
		},
		core.CategoryResearch: {
			Category:     core.CategoryResearch,
			Instructions: base + " Gather facts, compare sources and cite them.",
		},
		core.CategoryCode: {
			Category:     core.CategoryCode,
			Instructions: base + " Write correct, idiomatic code with brief explanations.",
		},
		core.CategoryCreative: {
			Category:     core.CategoryCreative,
			Instructions: base + " Write imaginative, original prose.",
		},
		core.CategoryDiagnostic: {
			Category:     core.CategoryDiagnostic,
			Instructions: base + " Diagnose the failure step by step and propose a fix.",
		},
	}
}

// Lookup returns the specialist for c, or a bare entry when unconfigured.
func (s Specialists) Lookup(c core.SpecialistCategory) Specialist {
	if sp, ok := s[c]; ok {
		if sp.Category == "" {
			sp.Category = c
		}
		return sp
	}
	return Specialist{Category: c}
}

// Render produces the specialist's instructions for a run.
func (sp Specialist) Render(run *Run, hops int) (string, error) {
	text, err := util.RenderTemplate(sp.Instructions, map[string]any{
		"specialist": string(sp.Category),
		"task_type":  string(run.Request.TaskType),
		"user_id":    run.Request.UserID,
		"session_id": run.SessionID,
		"hops":       hops,
	})
	if err != nil {
		return "", fmt.Errorf("render %s instructions: %w", sp.Category, err)
	}
	return text, nil
}
