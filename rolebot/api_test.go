package rolebot

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t testing.TB) (*API, *RoleBot, *mockOpenAIClient) {
	t.Helper()
	bot, _, client := newTestBot(t)
	api := newAPI(bot, bot.config.API)
	bot.api = api
	return api, bot, client
}

func apiGet(t testing.TB, api *API, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIStatus(t *testing.T) {
	t.Parallel()
	api, bot, _ := newTestAPI(t)
	bot.discord.connected.Store(true)

	w := apiGet(t, api, apiPathStatus)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var status botStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, Version, status.Version)
	assert.True(t, status.DiscordConnected)
	assert.Equal(t, 0, status.ActiveChannels)
	assert.Equal(t, 0, status.ResidentChannels)
}

func TestAPIChannelContext(t *testing.T) {
	t.Parallel()
	api, bot, client := newTestAPI(t)

	client.script(
		jsonCompletion(t, PersonaReply{Line: "a", CurrentOutfit: "体操服"}),
		jsonCompletion(t, PersonaReply{Line: "b"}),
	)
	bot.handleMessageCreate(
		&discordgo.Session{},
		messageCreateEvent(testChannelID, "user-1", "こんにちは"),
	)
	drainChannel(t, bot, testChannelID)

	w := apiGet(
		t, api, fmt.Sprintf("/api/channels/%s/context", testChannelID),
	)
	require.Equal(t, http.StatusOK, w.Code)

	var payload channelContextPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, 3, payload.HistoryLength)
	assert.Equal(t, ChannelStateIdle, payload.State.Type)
	assert.Equal(t, DefaultResponseMode(), payload.ResponseMode)
	require.Equal(t, 2, len(payload.Scenario.Personas))
	assert.Equal(t, "体操服", payload.PersonaStates["tsun"].CurrentOutfit)
}

func TestAPIChannelHistory(t *testing.T) {
	t.Parallel()
	api, bot, client := newTestAPI(t)

	client.script(
		jsonCompletion(t, PersonaReply{Line: "a"}),
		jsonCompletion(t, PersonaReply{Line: "b"}),
	)
	bot.handleMessageCreate(
		&discordgo.Session{},
		messageCreateEvent(testChannelID, "user-1", "こんにちは"),
	)
	drainChannel(t, bot, testChannelID)

	w := apiGet(
		t, api, fmt.Sprintf("/api/channels/%s/history", testChannelID),
	)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		History []ConversationEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, 3, len(payload.History))
	assert.Equal(t, RoleUser, payload.History[0].Role)
	assert.Equal(t, "こんにちは", payload.History[0].Content)
	assert.Equal(t, RoleAssistant, payload.History[1].Role)
}

func TestAPIChannelHistoryEmpty(t *testing.T) {
	t.Parallel()
	api, _, _ := newTestAPI(t)

	w := apiGet(
		t, api, fmt.Sprintf("/api/channels/%s/history", testChannelID),
	)
	require.Equal(t, http.StatusOK, w.Code)
	// empty history marshals as [], not null
	assert.JSONEq(t, `{"history": []}`, w.Body.String())
}

func TestAPIDisallowedChannelNotFound(t *testing.T) {
	t.Parallel()
	api, _, _ := newTestAPI(t)

	w := apiGet(t, api, "/api/channels/other-channel/context")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiGet(t, api, "/api/channels/other-channel/history")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
