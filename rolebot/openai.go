package rolebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"golang.org/x/time/rate"
)

// emptyReplyLine is posted when the model returns a blank line, so a
// persona never "answers" with an empty Discord message.
const emptyReplyLine = "……"

var errNoCompletionChoices = errors.New("completion returned no choices")

// OpenAIClient is the subset of the OpenAI API the bot uses. It exists
// so tests can substitute scripted or failure-injecting clients.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI wraps the OpenAI client with the bot's two operations:
// generating one persona's next line, and generating a scenario from a
// free-text situation. All requests go through a shared rate limiter.
type OpenAI struct {
	client         OpenAIClient
	config         OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu *sync.RWMutex // primarily just protects requestLimiter
}

// NewOpenAI initializes the OpenAI integration from config. A nil
// httpClient uses the library default.
func NewOpenAI(
	config OpenAIConfig,
	logger *slog.Logger,
	httpClient *http.Client,
) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	maxPerSecond := config.MaxRequestsPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = DefaultOpenAIMaxRequestsPerSecond
	}

	return &OpenAI{
		client:         openai.NewClientWithConfig(clientCfg),
		config:         config,
		logger:         logger.With(loggerNameKey, "openai"),
		requestLimiter: rate.NewLimiter(rate.Limit(maxPerSecond), 1),
		mu:             &sync.RWMutex{},
	}
}

func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	// RUnlock isn't deferred here- `rate.Limiter` does not specify that
	// it's safe to concurrently call `Wait` and `SetLimit`, and holding
	// the read lock across Wait would stall limit updates under load.
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// PersonaReply is the structured output of one persona turn.
type PersonaReply struct {
	// Line is the persona's in-character message text.
	Line string `json:"line"`

	// CurrentOutfit is the persona's outfit after this turn. Empty means
	// the outfit did not come up and the tracked state should reset.
	CurrentOutfit string `json:"current_outfit"`
}

const personaReplyInstruction = "応答は必ずJSONで返してください。lineにはキャラクターとしてのセリフや行動描写を、current_outfitにはこの時点でのあなたの服装を日本語で簡潔に記述してください。服装が話題に出ていない場合、current_outfitは空文字列にしてください。"

// GeneratePersonaReply asks the model for one persona's next line given
// the persona's system prompt and the rendered conversation transcript.
// A blank generated line is replaced with a silent-beat placeholder
// rather than returned empty.
func (o *OpenAI) GeneratePersonaReply(
	ctx context.Context,
	systemPrompt string,
	messages []openai.ChatCompletionMessage,
) (PersonaReply, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
	}

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return PersonaReply{}, err
	}

	schema, err := jsonschema.GenerateSchemaForType(PersonaReply{})
	if err != nil {
		return PersonaReply{}, fmt.Errorf("error building reply schema: %w", err)
	}

	request := openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Temperature: o.config.Temperature,
		Messages: append(
			[]openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt + "\n\n" + personaReplyInstruction,
				},
			},
			messages...,
		),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "persona_reply",
				Schema: schema,
				Strict: true,
			},
		},
	}

	started := time.Now()
	response, err := o.client.CreateChatCompletion(ctx, request)
	if err != nil {
		logger.ErrorContext(ctx, "persona reply request failed", tint.Err(err))
		return PersonaReply{}, err
	}
	if len(response.Choices) == 0 {
		return PersonaReply{}, errNoCompletionChoices
	}

	var reply PersonaReply
	content := response.Choices[0].Message.Content
	if unmarshalErr := json.Unmarshal([]byte(content), &reply); unmarshalErr != nil {
		logger.ErrorContext(
			ctx,
			"persona reply was not valid JSON",
			tint.Err(unmarshalErr),
			"content", formatContentPreview(content),
		)
		return PersonaReply{}, fmt.Errorf(
			"error decoding persona reply: %w", unmarshalErr,
		)
	}

	reply.Line = strings.TrimSpace(reply.Line)
	if reply.Line == "" {
		reply.Line = emptyReplyLine
	}
	reply.CurrentOutfit = strings.TrimSpace(reply.CurrentOutfit)

	logger.InfoContext(
		ctx,
		"generated persona reply",
		"duration", time.Since(started),
		"line", formatContentPreview(reply.Line),
		"current_outfit", reply.CurrentOutfit,
	)
	return reply, nil
}

// generatedScenario mirrors ScenarioPrompt without persona IDs, which
// are derived from display names after generation.
type generatedScenario struct {
	WorldSetting   WorldSetting       `json:"world_setting"`
	HumanCharacter HumanCharacter     `json:"human_character"`
	Personas       []generatedPersona `json:"personas"`
}

type generatedPersona struct {
	DisplayName  string `json:"display_name"`
	Gender       string `json:"gender"`
	Age          string `json:"age"`
	FirstPerson  string `json:"first_person"`
	SecondPerson string `json:"second_person"`
	Personality  string `json:"personality"`
	Outfit       string `json:"outfit"`
	Background   string `json:"background"`
	Relationship string `json:"relationship"`
}

const scenarioGeneratorPromptFormat = `あなたは人気ライトノベル作家です。これから提示されるシチュエーションをもとに、ロールプレイ用のシナリオ設定を作成してください。

要件:
- AIが演じるキャラクターをちょうど%d人作成すること
- 各キャラクターに魅力的な名前・性格・口調(一人称/二人称)・服装・背景を与えること
- 人間が演じる人物の設定も作成すること
- 舞台設定(場所・時期・状況)を具体的に描写すること
- すべて日本語で記述すること`

// GenerateScenario asks the model to expand a free-text situation into a
// full scenario with exactly personaCount personas. Persona IDs are
// derived from the generated display names; the returned scenario always
// passes Validate.
func (o *OpenAI) GenerateScenario(
	ctx context.Context,
	situation string,
	personaCount int,
) (ScenarioPrompt, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
	}

	if personaCount < minPersonaCount || personaCount > maxPersonaCount {
		return ScenarioPrompt{}, fmt.Errorf(
			"persona count out of range: %d", personaCount,
		)
	}

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return ScenarioPrompt{}, err
	}

	schema, err := jsonschema.GenerateSchemaForType(generatedScenario{})
	if err != nil {
		return ScenarioPrompt{}, fmt.Errorf(
			"error building scenario schema: %w", err,
		)
	}

	request := openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Temperature: o.config.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(
					scenarioGeneratorPromptFormat, personaCount,
				),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: situation,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "scenario",
				Schema: schema,
				Strict: true,
			},
		},
	}

	started := time.Now()
	response, err := o.client.CreateChatCompletion(ctx, request)
	if err != nil {
		logger.ErrorContext(ctx, "scenario request failed", tint.Err(err))
		return ScenarioPrompt{}, err
	}
	if len(response.Choices) == 0 {
		return ScenarioPrompt{}, errNoCompletionChoices
	}

	var generated generatedScenario
	content := response.Choices[0].Message.Content
	if unmarshalErr := json.Unmarshal([]byte(content), &generated); unmarshalErr != nil {
		logger.ErrorContext(
			ctx,
			"generated scenario was not valid JSON",
			tint.Err(unmarshalErr),
			"content", formatContentPreview(content),
		)
		return ScenarioPrompt{}, fmt.Errorf(
			"error decoding scenario: %w", unmarshalErr,
		)
	}

	if len(generated.Personas) != personaCount {
		return ScenarioPrompt{}, fmt.Errorf(
			"expected %d personas, got %d", personaCount, len(generated.Personas),
		)
	}

	scenario := toScenarioPrompt(generated)
	if validateErr := scenario.Validate(); validateErr != nil {
		return ScenarioPrompt{}, fmt.Errorf(
			"generated scenario invalid: %w", validateErr,
		)
	}

	logger.InfoContext(
		ctx,
		"generated scenario",
		"duration", time.Since(started),
		"persona_count", len(scenario.Personas),
	)
	return scenario, nil
}

// toScenarioPrompt converts generated output into a ScenarioPrompt,
// deriving a unique ID per persona from its display name.
func toScenarioPrompt(generated generatedScenario) ScenarioPrompt {
	scenario := ScenarioPrompt{
		WorldSetting:   generated.WorldSetting,
		HumanCharacter: generated.HumanCharacter,
		Personas:       make([]PersonaPrompt, 0, len(generated.Personas)),
	}
	used := map[string]bool{}
	for i, p := range generated.Personas {
		displayName := strings.TrimSpace(p.DisplayName)
		if displayName == "" {
			displayName = fmt.Sprintf("キャラクター%d", i+1)
		}
		scenario.Personas = append(
			scenario.Personas, PersonaPrompt{
				ID:           normalizePersonaID(p.DisplayName, i, used),
				DisplayName:  displayName,
				Gender:       p.Gender,
				Age:          p.Age,
				FirstPerson:  p.FirstPerson,
				SecondPerson: p.SecondPerson,
				Personality:  p.Personality,
				Outfit:       p.Outfit,
				Background:   p.Background,
				Relationship: p.Relationship,
			},
		)
	}
	return scenario
}
