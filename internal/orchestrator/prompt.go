package orchestrator

import (
	"fmt"
	"strings"

	"github.com/loreline-ai/loreline/internal/cache"
	"github.com/loreline-ai/loreline/internal/llm"
	"github.com/loreline-ai/loreline/internal/model"
)

// maxPromptCitations bounds how many citations enter the prompt regardless of
// what the gate let through.
const maxPromptCitations = 5

// assemblePrompt composes the system prompt from the versioned prompt asset,
// the persona, and the citations that survived the gate. Citations are
// numbered so the model can reference them as [1], [2].
func assemblePrompt(prompt model.NPCPrompt, profile model.NPCProfile, mode model.PolicyMode, citations []model.Citation) string {
	var b strings.Builder
	b.WriteString(prompt.Content)

	if profile.Persona != "" {
		b.WriteString("\n\n## Persona\n")
		b.WriteString(profile.Persona)
	}

	if len(citations) > 0 {
		b.WriteString("\n\n## Evidence\nAnswer using only the evidence below. Cite by number.\n")
		n := len(citations)
		if n > maxPromptCitations {
			n = maxPromptCitations
		}
		for i := 0; i < n; i++ {
			c := citations[i]
			fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, c.Title, c.Excerpt)
		}
	}

	switch mode {
	case model.ModeConservative:
		b.WriteString("\n\nYou lack solid evidence for this question. Answer briefly, admit uncertainty, and do not invent facts.")
	case model.ModeNormal:
		if profile.MustCiteSources {
			b.WriteString("\n\nEvery factual claim must cite at least one numbered source.")
		}
	}

	if profile.TimeAwareness == model.TimeAwarenessHistorical {
		b.WriteString("\n\nStay in your historical era. Never mention modern technology or events after your time.")
	}

	return b.String()
}

// historyMessages converts the session window into LLM chat history.
func historyMessages(window []cache.SessionTurn) []llm.Message {
	out := make([]llm.Message, 0, len(window))
	for _, t := range window {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// followups proposes up to two follow-up questions from the cited material.
// Only NORMAL turns get them; refusals and fallbacks should not invite more
// of the same question.
func followups(mode model.PolicyMode, citations []model.Citation) []string {
	if mode != model.ModeNormal {
		return nil
	}
	var out []string
	for _, c := range citations {
		if c.Title == "" {
			continue
		}
		out = append(out, fmt.Sprintf("Would you like to hear more about %s?", c.Title))
		if len(out) == 2 {
			break
		}
	}
	return out
}
