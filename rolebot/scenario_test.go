package rolebot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePersonaID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		index int
		used  map[string]bool
		want  string
	}{
		{"simple", "Alice", 0, map[string]bool{}, "alice"},
		{"spaces and symbols", "Dr. Alice Smith!", 0, map[string]bool{}, "dr-alice-smith"},
		{"leading trailing runs", "--Alice--", 0, map[string]bool{}, "alice"},
		{
			"too long",
			strings.Repeat("a", 40),
			0,
			map[string]bool{},
			strings.Repeat("a", personaIDMaxLength),
		},
		{"japanese only falls back", "つんちゃん", 1, map[string]bool{}, "persona-2"},
		{"empty falls back", "", 0, map[string]bool{}, "persona-1"},
		{
			"collision gets suffix",
			"Alice",
			0,
			map[string]bool{"alice": true},
			"alice-1",
		},
		{
			"double collision",
			"Alice",
			0,
			map[string]bool{"alice": true, "alice-1": true},
			"alice-2",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				got := normalizePersonaID(tt.input, tt.index, tt.used)
				assert.Equal(t, tt.want, got)
				assert.True(t, tt.used[got], "chosen id should be marked used")
			},
		)
	}
}

func TestScenarioPromptValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultScenarioPrompt().Validate())

	empty := ScenarioPrompt{}
	require.ErrorIs(t, empty.Validate(), ErrNoPersonas)

	tooMany := ScenarioPrompt{
		Personas: []PersonaPrompt{
			{ID: "a", DisplayName: "A"},
			{ID: "b", DisplayName: "B"},
			{ID: "c", DisplayName: "C"},
			{ID: "d", DisplayName: "D"},
		},
	}
	require.Error(t, tooMany.Validate())

	duplicate := ScenarioPrompt{
		Personas: []PersonaPrompt{
			{ID: "a", DisplayName: "A"},
			{ID: "a", DisplayName: "B"},
		},
	}
	require.ErrorIs(t, duplicate.Validate(), ErrDuplicatePersonaID)

	noName := ScenarioPrompt{
		Personas: []PersonaPrompt{{ID: "a"}},
	}
	require.Error(t, noName.Validate())

	noID := ScenarioPrompt{
		Personas: []PersonaPrompt{{DisplayName: "A"}},
	}
	require.Error(t, noID.Validate())
}

func TestScenarioPromptPersonaLookup(t *testing.T) {
	t.Parallel()
	scenario := DefaultScenarioPrompt()

	persona, ok := scenario.Persona("yan")
	require.True(t, ok)
	assert.Equal(t, "やんちゃん", persona.DisplayName)

	_, ok = scenario.Persona("missing")
	assert.False(t, ok)

	assert.Equal(t, "tsun", scenario.FallbackPersonaID())
	assert.Equal(t, "", ScenarioPrompt{}.FallbackPersonaID())
}

func TestBuildSystemPrompt(t *testing.T) {
	t.Parallel()
	scenario := DefaultScenarioPrompt()
	persona := scenario.Personas[0]

	prompt := buildSystemPrompt(scenario, persona, "")
	assert.Contains(t, prompt, "【舞台設定】")
	assert.Contains(t, prompt, "【人間がなりきる人物】")
	assert.Contains(t, prompt, "【あなたのキャラクター設定】")
	assert.Contains(t, prompt, persona.DisplayName)
	assert.Contains(t, prompt, scenario.WorldSetting.Location)
	// untracked outfit uses the free-adjustment line
	assert.Contains(t, prompt, outfitUnspecifiedLine)

	prompt = buildSystemPrompt(scenario, persona, "体操服")
	assert.Contains(t, prompt, "現在の服装: 体操服")
	assert.NotContains(t, prompt, outfitUnspecifiedLine)
}

func TestFormatScenarioPrompts(t *testing.T) {
	t.Parallel()
	scenario := DefaultScenarioPrompt()
	states := newPersonaStateMap(scenario)
	states["yan"] = PersonaStateSnapshot{CurrentOutfit: "浴衣"}

	rendered := formatScenarioPrompts(scenario, states)
	for _, persona := range scenario.Personas {
		assert.Contains(t, rendered, persona.DisplayName)
	}
	assert.Contains(t, rendered, "現在の服装: 浴衣")
}

func TestDefaultScenarioPrompt(t *testing.T) {
	t.Parallel()
	scenario := DefaultScenarioPrompt()
	require.NoError(t, scenario.Validate())
	require.Equal(t, 2, len(scenario.Personas))
	assert.Equal(t, "tsun", scenario.Personas[0].ID)
	assert.Equal(t, "yan", scenario.Personas[1].ID)
}
