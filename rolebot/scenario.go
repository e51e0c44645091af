package rolebot

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// minPersonaCount and maxPersonaCount bound how many AI personas a
	// scenario can hold.
	minPersonaCount = 1
	maxPersonaCount = 3

	personaIDMaxLength = 24

	systemPromptFileName = "system-prompts.txt"
)

var (
	ErrNoPersonas         = errors.New("scenario has no personas")
	ErrDuplicatePersonaID = errors.New("duplicate persona id")
)

// WorldSetting describes where and when a roleplay takes place.
type WorldSetting struct {
	Location  string `json:"location"`
	Time      string `json:"time"`
	Situation string `json:"situation"`
}

// HumanCharacter is the profile of the character the human user plays.
type HumanCharacter struct {
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	Age         string `json:"age"`
	Personality string `json:"personality"`
	Background  string `json:"background"`
}

// PersonaPrompt is the immutable profile of one AI-driven character.
type PersonaPrompt struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Gender       string `json:"gender"`
	Age          string `json:"age"`
	FirstPerson  string `json:"first_person"`
	SecondPerson string `json:"second_person"`
	Personality  string `json:"personality"`
	Outfit       string `json:"outfit"`
	Background   string `json:"background"`

	// Relationship describes this persona's relationship to the human
	// character.
	Relationship string `json:"relationship"`
}

// ScenarioPrompt is the full world/character configuration governing a
// channel's roleplay session. It's treated as an immutable snapshot:
// replacing a scenario replaces the whole value.
type ScenarioPrompt struct {
	WorldSetting   WorldSetting    `json:"world_setting"`
	HumanCharacter HumanCharacter  `json:"human_character"`
	Personas       []PersonaPrompt `json:"personas"`
}

// Validate checks the scenario's structural invariants: 1-3 personas,
// unique non-empty persona IDs, non-empty display names.
func (s ScenarioPrompt) Validate() error {
	if len(s.Personas) < minPersonaCount {
		return ErrNoPersonas
	}
	if len(s.Personas) > maxPersonaCount {
		return fmt.Errorf(
			"too many personas: %d (max %d)", len(s.Personas), maxPersonaCount,
		)
	}
	seen := make(map[string]bool, len(s.Personas))
	for _, p := range s.Personas {
		if p.ID == "" {
			return errors.New("persona id must not be empty")
		}
		if p.DisplayName == "" {
			return fmt.Errorf("persona %q has no display name", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicatePersonaID, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Persona returns the persona with the given ID, or false if the ID does
// not resolve in this scenario.
func (s ScenarioPrompt) Persona(id string) (PersonaPrompt, bool) {
	for _, p := range s.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return PersonaPrompt{}, false
}

// FallbackPersonaID is the deterministic substitute used when a stored
// persona ID no longer resolves (e.g. the scenario was regenerated):
// the first persona of the current scenario.
func (s ScenarioPrompt) FallbackPersonaID() string {
	if len(s.Personas) == 0 {
		return ""
	}
	return s.Personas[0].ID
}

var personaIDInvalidChars = regexp.MustCompile(`[^a-z0-9]+`)

// normalizePersonaID derives a stable persona ID from a proposed display
// name: lowercased, non-alphanumeric runs collapsed to '-', trimmed to 24
// chars, with 'persona-N' as the fallback for names that normalize to
// nothing. Collisions against `used` are resolved by numeric suffixing.
// The chosen ID is added to `used`.
func normalizePersonaID(name string, index int, used map[string]bool) string {
	base := personaIDInvalidChars.ReplaceAllString(strings.ToLower(name), "-")
	base = strings.Trim(base, "-")
	base = truncate(base, personaIDMaxLength)
	if base == "" {
		base = fmt.Sprintf("persona-%d", index+1)
	}
	candidate := base
	for suffix := 1; used[candidate]; suffix++ {
		candidate = fmt.Sprintf("%s-%d", base, suffix)
	}
	used[candidate] = true
	return candidate
}

const outfitUnspecifiedLine = "現在の服装: キャラクター設定をベースに自由に微調整して構いません"

// buildSystemPrompt renders the roleplay system prompt for one persona:
// the world setting, the human player's character, the persona's own
// profile, and the persona's current outfit (if one is tracked).
func buildSystemPrompt(
	scenario ScenarioPrompt,
	persona PersonaPrompt,
	outfit string,
) string {
	outfitLine := outfitUnspecifiedLine
	if strings.TrimSpace(outfit) != "" {
		outfitLine = "現在の服装: " + strings.TrimSpace(outfit)
	}
	ws := scenario.WorldSetting
	human := scenario.HumanCharacter
	lines := []string{
		fmt.Sprintf(
			"今からロールプレイを行いましょう。%qというキャラとしてロールプレイしてください。以下に示す設定に従い、キャラに成りきって返答してください。",
			persona.DisplayName,
		),
		"",
		"【舞台設定】",
		"場所: " + strings.TrimSpace(ws.Location),
		"時期: " + strings.TrimSpace(ws.Time),
		"状況: " + strings.TrimSpace(ws.Situation),
		"",
		"【人間がなりきる人物】",
		"名前: " + human.Name,
		"性別: " + human.Gender,
		"年齢: " + human.Age,
		"性格: " + human.Personality,
		"背景: " + human.Background,
		"",
		"【あなたのキャラクター設定】",
		"名前: " + persona.DisplayName,
		"性別: " + persona.Gender,
		"年齢: " + persona.Age,
		"一人称: " + persona.FirstPerson,
		"二人称: " + persona.SecondPerson,
		"性格: " + persona.Personality,
		"服装: " + persona.Outfit,
		"背景: " + persona.Background,
		fmt.Sprintf("%sとの関係性: %s", human.Name, persona.Relationship),
		outfitLine,
	}
	return strings.Join(lines, "\n")
}

// formatScenarioPrompts renders every persona's system prompt, separated
// by blank lines, for the scenario preview and `/show` attachments.
func formatScenarioPrompts(
	scenario ScenarioPrompt,
	personaStates PersonaStateMap,
) string {
	prompts := make([]string, 0, len(scenario.Personas))
	for _, persona := range scenario.Personas {
		outfit := ""
		if state, ok := personaStates[persona.ID]; ok {
			outfit = state.CurrentOutfit
		}
		prompts = append(prompts, buildSystemPrompt(scenario, persona, outfit))
	}
	return strings.Join(prompts, "\n\n")
}

// DefaultScenarioPrompt returns the built-in two-heroine scenario used
// when a channel has no stored scenario, or when a stored scenario fails
// validation.
func DefaultScenarioPrompt() ScenarioPrompt {
	return ScenarioPrompt{
		WorldSetting: WorldSetting{
			Location:  "現代日本の地方都市にある進学校。生徒たちは大学受験を控えつつも青春を謳歌している。",
			Time:      "放課後の夕暮れ。西日が差し込み静かな季節の終わり頃。",
			Situation: "教室に残ったあなたと二人のヒロインが談笑しながら互いの距離を探っている。ふとした拍子に恋心が滲み出す甘酸っぱい時間が流れている。",
		},
		HumanCharacter: HumanCharacter{
			Name:        "あなた",
			Gender:      "男性",
			Age:         "18",
			Personality: "素直で面倒見が良いが、恋愛には奥手",
			Background:  "同じクラスで二人に頼られがちな幼なじみ",
		},
		Personas: []PersonaPrompt{
			{
				ID:           "tsun",
				DisplayName:  "つんちゃん",
				Gender:       "女性",
				Age:          "18",
				FirstPerson:  "私",
				SecondPerson: "あんた",
				Personality:  "照れ屋で素直になれない優しいツンデレ",
				Outfit:       "紺のブレザー制服に赤いリボン、ポニーテール",
				Background:   "勉強も運動もそつなくこなすが、感情表現は不器用。幼い頃からあなたを意識しており、からかいながら距離を測る。",
				Relationship: "幼なじみとしていつも一緒に過ごしてきたが、素直になれずわざと突き放してしまう",
			},
			{
				ID:           "yan",
				DisplayName:  "やんちゃん",
				Gender:       "女性",
				Age:          "18",
				FirstPerson:  "わたし",
				SecondPerson: "きみ",
				Personality:  "おっとりした独占欲強めの甘えんぼ",
				Outfit:       "カーディガンを羽織った制服に白いカチューシャ",
				Background:   "普段は穏やかで包容力があるが、想いが深すぎて不安になることも。あなたと過ごす時間を何より大切にしている。",
				Relationship: "小さい頃からあなたに寄り添ってきた親友で、独占したいほどの恋心を秘めている",
			},
		},
	}
}
