package rolebot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestOpenAI(t testing.TB, client *mockOpenAIClient) *OpenAI {
	t.Helper()
	config := DefaultConfig().OpenAI
	config.Token = "test-token"
	return &OpenAI{
		client:         client,
		config:         *config,
		logger:         testLogger(t),
		requestLimiter: rate.NewLimiter(rate.Inf, 1),
		mu:             &sync.RWMutex{},
	}
}

func TestGeneratePersonaReply(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{}
	ai := newTestOpenAI(t, client)

	client.script(
		jsonCompletion(
			t, PersonaReply{Line: "  ふん、別に  ", CurrentOutfit: " 制服 "},
		),
	)
	reply, err := ai.GeneratePersonaReply(
		context.Background(),
		"system prompt",
		[]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "こんにちは"},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "ふん、別に", reply.Line)
	assert.Equal(t, "制服", reply.CurrentOutfit)

	requests := client.recordedRequests()
	require.Equal(t, 1, len(requests))
	request := requests[0]
	assert.Equal(t, ai.config.Model, request.Model)
	assert.Equal(t, ai.config.Temperature, request.Temperature)
	require.Equal(t, 2, len(request.Messages))
	assert.Equal(t, openai.ChatMessageRoleSystem, request.Messages[0].Role)
	assert.True(
		t, strings.HasPrefix(request.Messages[0].Content, "system prompt"),
	)
	assert.Contains(t, request.Messages[0].Content, personaReplyInstruction)
	require.NotNil(t, request.ResponseFormat)
	require.NotNil(t, request.ResponseFormat.JSONSchema)
	assert.Equal(t, "persona_reply", request.ResponseFormat.JSONSchema.Name)
}

func TestGeneratePersonaReplyBlankLineFallback(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{}
	ai := newTestOpenAI(t, client)

	client.script(jsonCompletion(t, PersonaReply{Line: "   "}))
	reply, err := ai.GeneratePersonaReply(
		context.Background(), "system prompt", nil,
	)
	require.NoError(t, err)
	assert.Equal(t, emptyReplyLine, reply.Line)
}

func TestGeneratePersonaReplyErrors(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{}
	ai := newTestOpenAI(t, client)

	boom := errors.New("rate limited")
	client.script(failedCompletion(boom))
	_, err := ai.GeneratePersonaReply(context.Background(), "prompt", nil)
	require.ErrorIs(t, err, boom)

	client.script(
		func(openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return openai.ChatCompletionResponse{}, nil
		},
	)
	_, err = ai.GeneratePersonaReply(context.Background(), "prompt", nil)
	require.ErrorIs(t, err, errNoCompletionChoices)

	client.script(
		func(openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return openai.ChatCompletionResponse{
				Choices: []openai.ChatCompletionChoice{
					{
						Message: openai.ChatCompletionMessage{
							Content: "not json at all",
						},
					},
				},
			}, nil
		},
	)
	_, err = ai.GeneratePersonaReply(context.Background(), "prompt", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding persona reply")
}

func testGeneratedScenario(count int) generatedScenario {
	generated := generatedScenario{
		WorldSetting: WorldSetting{
			Location:  "放課後の教室",
			Time:      "現代",
			Situation: "文化祭の準備中",
		},
		HumanCharacter: HumanCharacter{
			Name: "主人公", Gender: "男性", Age: "17歳",
		},
	}
	for i := 0; i < count; i++ {
		generated.Personas = append(
			generated.Personas, generatedPersona{
				DisplayName: []string{"Alice", "Beth", "Carol"}[i],
				Gender:      "女性",
				Age:         "17歳",
				Personality: "明るい",
			},
		)
	}
	return generated
}

func TestGenerateScenario(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{}
	ai := newTestOpenAI(t, client)

	client.script(jsonCompletion(t, testGeneratedScenario(2)))
	scenario, err := ai.GenerateScenario(
		context.Background(), "幼馴染と文化祭の準備をする", 2,
	)
	require.NoError(t, err)
	require.NoError(t, scenario.Validate())
	require.Equal(t, 2, len(scenario.Personas))
	assert.Equal(t, "alice", scenario.Personas[0].ID)
	assert.Equal(t, "beth", scenario.Personas[1].ID)
	assert.Equal(t, "放課後の教室", scenario.WorldSetting.Location)

	requests := client.recordedRequests()
	require.Equal(t, 1, len(requests))
	require.Equal(t, 2, len(requests[0].Messages))
	assert.Contains(t, requests[0].Messages[0].Content, "ちょうど2人")
	assert.Equal(t, "幼馴染と文化祭の準備をする", requests[0].Messages[1].Content)
}

func TestGenerateScenarioPersonaCountMismatch(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{}
	ai := newTestOpenAI(t, client)

	client.script(jsonCompletion(t, testGeneratedScenario(3)))
	_, err := ai.GenerateScenario(context.Background(), "situation", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 personas, got 3")
}

func TestGenerateScenarioCountOutOfRange(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{}
	ai := newTestOpenAI(t, client)

	_, err := ai.GenerateScenario(context.Background(), "situation", 0)
	require.Error(t, err)
	_, err = ai.GenerateScenario(context.Background(), "situation", maxPersonaCount+1)
	require.Error(t, err)
	// no request should have been made
	assert.Empty(t, client.recordedRequests())
}

func TestToScenarioPrompt(t *testing.T) {
	t.Parallel()

	generated := generatedScenario{
		Personas: []generatedPersona{
			{DisplayName: "Alice"},
			{DisplayName: "alice"},
			{DisplayName: "  "},
		},
	}
	scenario := toScenarioPrompt(generated)
	require.Equal(t, 3, len(scenario.Personas))
	assert.Equal(t, "alice", scenario.Personas[0].ID)
	// collision on the derived ID picks up a numeric suffix
	assert.Equal(t, "alice-1", scenario.Personas[1].ID)
	// blank display names get a placeholder name and an index-based ID
	assert.Equal(t, "persona-3", scenario.Personas[2].ID)
	assert.Equal(t, "キャラクター3", scenario.Personas[2].DisplayName)
}

func TestNewOpenAI(t *testing.T) {
	t.Parallel()
	config := *DefaultConfig().OpenAI
	config.Token = "test-token"
	config.MaxRequestsPerSecond = 0

	ai := NewOpenAI(config, slog.Default(), nil)
	require.NotNil(t, ai.client)
	assert.Equal(
		t,
		rate.Limit(DefaultOpenAIMaxRequestsPerSecond),
		ai.requestLimiter.Limit(),
	)
}
