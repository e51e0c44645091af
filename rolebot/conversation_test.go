package rolebot

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelContextHistoryCap(t *testing.T) {
	t.Parallel()
	channelCtx := NewChannelContext(DefaultScenarioPrompt(), 5)

	for i := 0; i < 8; i++ {
		channelCtx.AppendEntry(NewUserEntry(fmt.Sprintf("message %d", i)))
	}

	require.Equal(t, 5, len(channelCtx.History))
	// oldest entries are dropped, order preserved
	assert.Equal(t, "message 3", channelCtx.History[0].Content)
	assert.Equal(t, "message 7", channelCtx.History[4].Content)
}

func TestChannelContextUpdatePersonaState(t *testing.T) {
	t.Parallel()
	channelCtx := NewChannelContext(DefaultScenarioPrompt(), 5)

	channelCtx.UpdatePersonaState("tsun", "  体操服  ")
	assert.Equal(t, "体操服", channelCtx.PersonaStates["tsun"].CurrentOutfit)

	// blank resets rather than storing whitespace
	channelCtx.UpdatePersonaState("tsun", "   ")
	assert.Equal(t, PersonaStateSnapshot{}, channelCtx.PersonaStates["tsun"])
}

func TestChannelContextSnapshotIsIndependent(t *testing.T) {
	t.Parallel()
	channelCtx := NewChannelContext(DefaultScenarioPrompt(), 5)
	channelCtx.AppendEntry(NewUserEntry("hello"))
	channelCtx.UpdatePersonaState("tsun", "制服")

	snapshot := channelCtx.Snapshot()
	channelCtx.AppendEntry(NewUserEntry("more"))
	channelCtx.UpdatePersonaState("tsun", "私服")

	require.Equal(t, 1, len(snapshot.History))
	assert.Equal(t, "制服", snapshot.PersonaStates["tsun"].CurrentOutfit)
}

func TestChannelStateValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		state   ChannelState
		wantErr bool
	}{
		{"idle", IdleChannelState(), false},
		{"awaiting_reinput", ChannelState{Type: ChannelStateAwaitingReinput}, false},
		{"situation_input", SituationInputState(2, "user-1"), false},
		{"preview", ScenarioPreviewState(2, "user-1", "msg-1"), false},
		{
			"situation_input without requester",
			ChannelState{Type: ChannelStateSituationInput, PersonaCount: 2},
			true,
		},
		{
			"persona count too high",
			SituationInputState(4, "user-1"),
			true,
		},
		{
			"persona count too low",
			SituationInputState(0, "user-1"),
			true,
		},
		{
			"preview without message id",
			ChannelState{
				Type:         ChannelStateScenarioPreview,
				PersonaCount: 2,
				RequestedBy:  "user-1",
			},
			true,
		},
		{"unknown type", ChannelState{Type: "bogus"}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				err := tt.state.validate()
				if tt.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}

func TestChannelRegistry(t *testing.T) {
	t.Parallel()
	registry := NewChannelRegistry()

	_, ok := registry.Get(testChannelID)
	assert.False(t, ok)

	loadCalls := 0
	load := func() (*ChannelContext, error) {
		loadCalls++
		return NewChannelContext(DefaultScenarioPrompt(), 5), nil
	}

	first, err := registry.GetOrLoad(testChannelID, load)
	require.NoError(t, err)
	second, err := registry.GetOrLoad(testChannelID, load)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, loadCalls)
	assert.Equal(t, 1, registry.Len())

	registry.SetResponseMode(testChannelID, SingleResponseMode("tsun"))
	cached, ok := registry.Get(testChannelID)
	require.True(t, ok)
	assert.Equal(t, SingleResponseMode("tsun"), cached.ResponseMode)

	registry.Reset(testChannelID)
	assert.Equal(t, 0, registry.Len())

	_, err = registry.GetOrLoad(
		testChannelID, func() (*ChannelContext, error) {
			return nil, errors.New("load failed")
		},
	)
	require.Error(t, err)
	assert.Equal(t, 0, registry.Len())
}

func TestResponseModeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "all", DefaultResponseMode().String())
	assert.Equal(t, "single(tsun)", SingleResponseMode("tsun").String())
}
