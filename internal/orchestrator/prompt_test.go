package orchestrator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loreline-ai/loreline/internal/model"
)

func TestAssemblePromptNumbersCitations(t *testing.T) {
	prompt := model.NPCPrompt{Content: "You are a palace guide."}
	profile := model.NPCProfile{Persona: "A witty court historian."}
	citations := []model.Citation{
		{Title: "Throne Hall", Excerpt: "Completed in 1420."},
		{Title: "East Gate", Excerpt: "Rebuilt after the fire."},
	}

	out := assemblePrompt(prompt, profile, model.ModeNormal, citations)

	assert.Contains(t, out, "You are a palace guide.")
	assert.Contains(t, out, "## Persona")
	assert.Contains(t, out, "[1] Throne Hall: Completed in 1420.")
	assert.Contains(t, out, "[2] East Gate: Rebuilt after the fire.")
}

func TestAssemblePromptCapsCitations(t *testing.T) {
	var citations []model.Citation
	for i := 0; i < 8; i++ {
		citations = append(citations, model.Citation{
			Title:   fmt.Sprintf("Source %d", i+1),
			Excerpt: "detail",
		})
	}

	out := assemblePrompt(model.NPCPrompt{Content: "base"}, model.NPCProfile{}, model.ModeNormal, citations)
	assert.Contains(t, out, "[5] Source 5")
	assert.NotContains(t, out, "[6]")
}

func TestAssemblePromptModeDirectives(t *testing.T) {
	conservative := assemblePrompt(model.NPCPrompt{Content: "base"}, model.NPCProfile{}, model.ModeConservative, nil)
	assert.Contains(t, conservative, "admit uncertainty")

	cite := assemblePrompt(model.NPCPrompt{Content: "base"},
		model.NPCProfile{MustCiteSources: true}, model.ModeNormal,
		[]model.Citation{{Title: "A", Excerpt: "b"}})
	assert.Contains(t, cite, "must cite at least one numbered source")

	historical := assemblePrompt(model.NPCPrompt{Content: "base"},
		model.NPCProfile{TimeAwareness: model.TimeAwarenessHistorical}, model.ModeNormal, nil)
	assert.Contains(t, historical, "Stay in your historical era.")
}

func TestFollowupsOnlyOnNormalTurns(t *testing.T) {
	citations := []model.Citation{
		{Title: "Throne Hall"},
		{Title: ""},
		{Title: "East Gate"},
		{Title: "West Gate"},
	}

	out := followups(model.ModeNormal, citations)
	assert.Equal(t, []string{
		"Would you like to hear more about Throne Hall?",
		"Would you like to hear more about East Gate?",
	}, out, "untitled citations skip; capped at two")

	assert.Nil(t, followups(model.ModeConservative, citations))
	assert.Nil(t, followups(model.ModeRefuse, citations))
}

func TestViolation(t *testing.T) {
	profile := model.NPCProfile{
		ForbiddenTopics: []string{"palace treasury"},
		TimeAwareness:   model.TimeAwarenessHistorical,
	}

	assert.Empty(t, violation("The throne hall was completed in 1420.", profile))

	v := violation("You should place a bet on it.", profile)
	assert.True(t, strings.HasPrefix(v, "sensitive keyword:"), v)

	v = violation("The Palace Treasury holds the crown jewels.", profile)
	assert.True(t, strings.HasPrefix(v, "forbidden topic:"), v)

	v = violation("It looks like a smartphone.", profile)
	assert.True(t, strings.HasPrefix(v, "anachronism:"), v)

	// Modern personas may mention modern terms.
	modern := model.NPCProfile{TimeAwareness: model.TimeAwarenessModern}
	assert.Empty(t, violation("Check our website on the internet.", modern))
}
