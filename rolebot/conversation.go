package rolebot

import (
	"fmt"
	"strings"
	"sync"
)

// ConversationRole identifies who produced a conversation entry.
type ConversationRole string

const (
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

// ConversationEntry is one message in a channel's history. PersonaID is
// set only on assistant entries, attributing the line to a persona of the
// current scenario.
type ConversationEntry struct {
	Role      ConversationRole `json:"role"`
	Content   string           `json:"content"`
	PersonaID string           `json:"persona_id,omitempty"`
}

// NewUserEntry returns a user-authored conversation entry.
func NewUserEntry(content string) ConversationEntry {
	return ConversationEntry{Role: RoleUser, Content: content}
}

// NewAssistantEntry returns a persona-attributed assistant entry.
func NewAssistantEntry(personaID string, content string) ConversationEntry {
	return ConversationEntry{
		Role:      RoleAssistant,
		Content:   content,
		PersonaID: personaID,
	}
}

// PersonaStateSnapshot is the mutable per-persona state derived from the
// conversation. CurrentOutfit empty means "unspecified".
type PersonaStateSnapshot struct {
	CurrentOutfit string `json:"current_outfit,omitempty"`
}

// PersonaStateMap keys persona state snapshots by persona ID.
type PersonaStateMap map[string]PersonaStateSnapshot

// Clone returns a copy of the map safe to mutate independently.
func (m PersonaStateMap) Clone() PersonaStateMap {
	clone := make(PersonaStateMap, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// newPersonaStateMap bootstraps an empty snapshot per scenario persona.
func newPersonaStateMap(scenario ScenarioPrompt) PersonaStateMap {
	states := make(PersonaStateMap, len(scenario.Personas))
	for _, p := range scenario.Personas {
		states[p.ID] = PersonaStateSnapshot{}
	}
	return states
}

// ResponseModeType discriminates ResponseMode variants.
type ResponseModeType string

const (
	// ResponseModeAll has every scenario persona reply each turn, in a
	// freshly randomized order.
	ResponseModeAll ResponseModeType = "all"

	// ResponseModeSingle has exactly one persona reply each turn.
	ResponseModeSingle ResponseModeType = "single"
)

// ResponseMode is the policy for which persona(s) reply to a turn.
// PersonaID is meaningful only when Type is ResponseModeSingle.
type ResponseMode struct {
	Type      ResponseModeType `json:"type"`
	PersonaID string           `json:"persona_id,omitempty"`
}

func DefaultResponseMode() ResponseMode {
	return ResponseMode{Type: ResponseModeAll}
}

func SingleResponseMode(personaID string) ResponseMode {
	return ResponseMode{Type: ResponseModeSingle, PersonaID: personaID}
}

func (m ResponseMode) String() string {
	if m.Type == ResponseModeSingle {
		return fmt.Sprintf("single(%s)", m.PersonaID)
	}
	return string(ResponseModeAll)
}

// ChannelStateType discriminates ChannelState variants.
type ChannelStateType string

const (
	// ChannelStateIdle accepts roleplay messages and `/init`.
	ChannelStateIdle ChannelStateType = "idle"

	// ChannelStateSituationInput waits for the `/init` requester to post
	// free-text scenario description.
	ChannelStateSituationInput ChannelStateType = "situation_input"

	// ChannelStateScenarioPreview waits for the requester to confirm the
	// posted scenario preview via reaction.
	ChannelStateScenarioPreview ChannelStateType = "scenario_preview"

	// ChannelStateAwaitingReinput is a parked state with no outgoing
	// transition besides an external reset. Kept for forward
	// compatibility with older stored contexts.
	ChannelStateAwaitingReinput ChannelStateType = "awaiting_reinput"
)

// ChannelState is the finite state machine value governing scenario
// registration for a channel. Exactly one state is active per channel.
//
//   - PersonaCount: requested persona count, [1,3]. Set for
//     situation_input and scenario_preview.
//   - RequestedBy: user ID of the `/init` requester. Set for
//     situation_input and scenario_preview.
//   - PreviewMessageID: the preview artifact message awaiting
//     confirmation. Set only for scenario_preview.
type ChannelState struct {
	Type             ChannelStateType `json:"type"`
	PersonaCount     int              `json:"persona_count,omitempty"`
	RequestedBy      string           `json:"requested_by,omitempty"`
	PreviewMessageID string           `json:"preview_message_id,omitempty"`
}

func IdleChannelState() ChannelState {
	return ChannelState{Type: ChannelStateIdle}
}

func SituationInputState(personaCount int, requestedBy string) ChannelState {
	return ChannelState{
		Type:         ChannelStateSituationInput,
		PersonaCount: personaCount,
		RequestedBy:  requestedBy,
	}
}

func ScenarioPreviewState(
	personaCount int,
	requestedBy string,
	previewMessageID string,
) ChannelState {
	return ChannelState{
		Type:             ChannelStateScenarioPreview,
		PersonaCount:     personaCount,
		RequestedBy:      requestedBy,
		PreviewMessageID: previewMessageID,
	}
}

// validate rejects unknown state types and out-of-range persona counts,
// so malformed stored state falls back to idle on load.
func (s ChannelState) validate() error {
	switch s.Type {
	case ChannelStateIdle, ChannelStateAwaitingReinput:
		return nil
	case ChannelStateSituationInput, ChannelStateScenarioPreview:
		if s.PersonaCount < minPersonaCount || s.PersonaCount > maxPersonaCount {
			return fmt.Errorf(
				"persona count out of range: %d", s.PersonaCount,
			)
		}
		if s.RequestedBy == "" {
			return fmt.Errorf("state %q has no requester", s.Type)
		}
		if s.Type == ChannelStateScenarioPreview && s.PreviewMessageID == "" {
			return fmt.Errorf("scenario_preview has no preview message id")
		}
		return nil
	default:
		return fmt.Errorf("unknown channel state type: %q", s.Type)
	}
}

// ChannelContext is the per-channel aggregate: bounded conversation
// history, per-persona derived state, the active scenario, the response
// mode, and the registration state machine value.
//
// The in-memory copy is the authoritative working copy while the process
// is alive; the durable store only mirrors it. All mutation must happen
// from within that channel's task queue (or from an explicitly
// queue-drained administrative operation).
type ChannelContext struct {
	History       []ConversationEntry
	PersonaStates PersonaStateMap
	Scenario      ScenarioPrompt
	ResponseMode  ResponseMode
	State         ChannelState

	maxHistoryLength int
}

// NewChannelContext returns a fresh idle context for the given scenario,
// with persona states bootstrapped per persona.
func NewChannelContext(scenario ScenarioPrompt, maxHistoryLength int) *ChannelContext {
	if maxHistoryLength <= 0 {
		maxHistoryLength = DefaultMaxHistoryLength
	}
	return &ChannelContext{
		PersonaStates:    newPersonaStateMap(scenario),
		Scenario:         scenario,
		ResponseMode:     DefaultResponseMode(),
		State:            IdleChannelState(),
		maxHistoryLength: maxHistoryLength,
	}
}

// AppendEntry adds an entry to the history tail, then trims from the head
// until the history is back at the cap. Trimming never reorders the
// remaining entries.
func (c *ChannelContext) AppendEntry(entry ConversationEntry) {
	c.History = append(c.History, entry)
	c.limitHistory()
}

func (c *ChannelContext) limitHistory() {
	limit := c.maxHistoryLength
	if limit <= 0 {
		limit = DefaultMaxHistoryLength
	}
	if len(c.History) > limit {
		c.History = c.History[len(c.History)-limit:]
	}
}

// UpdatePersonaState records the persona's current outfit. A blank outfit
// means "unspecified" and resets the snapshot rather than storing an
// empty string.
func (c *ChannelContext) UpdatePersonaState(personaID string, outfit string) {
	if c.PersonaStates == nil {
		c.PersonaStates = PersonaStateMap{}
	}
	trimmed := strings.TrimSpace(outfit)
	if trimmed == "" {
		c.PersonaStates[personaID] = PersonaStateSnapshot{}
		return
	}
	c.PersonaStates[personaID] = PersonaStateSnapshot{CurrentOutfit: trimmed}
}

// Snapshot returns a deep copy, safe to read outside the channel's queue.
func (c *ChannelContext) Snapshot() ChannelContext {
	history := make([]ConversationEntry, len(c.History))
	copy(history, c.History)
	return ChannelContext{
		History:          history,
		PersonaStates:    c.PersonaStates.Clone(),
		Scenario:         c.Scenario,
		ResponseMode:     c.ResponseMode,
		State:            c.State,
		maxHistoryLength: c.maxHistoryLength,
	}
}

// ChannelRegistry owns the in-memory ChannelContext instances, exactly
// one per channel ID for the lifetime of the process. Contexts are
// created lazily on first access and discarded on explicit reset.
type ChannelRegistry struct {
	mu       sync.Mutex
	contexts map[string]*ChannelContext
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{contexts: map[string]*ChannelContext{}}
}

// Get returns the cached context for the channel, if any.
func (r *ChannelRegistry) Get(channelID string) (*ChannelContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[channelID]
	return ctx, ok
}

// GetOrLoad returns the cached context for the channel, loading it via
// `load` on first touch. Concurrent first touches are serialized by the
// registry lock; `load` must not call back into the registry.
func (r *ChannelRegistry) GetOrLoad(
	channelID string,
	load func() (*ChannelContext, error),
) (*ChannelContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.contexts[channelID]; ok {
		return ctx, nil
	}
	loaded, err := load()
	if err != nil {
		return nil, err
	}
	r.contexts[channelID] = loaded
	return loaded, nil
}

// Reset discards the in-memory context so the next access re-reads the
// durable store. Callers must drain the channel's queue first.
func (r *ChannelRegistry) Reset(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, channelID)
}

// SetResponseMode updates the response mode of the cached context, if one
// exists. Persisting the mode is the caller's responsibility.
func (r *ChannelRegistry) SetResponseMode(channelID string, mode ResponseMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.contexts[channelID]; ok {
		ctx.ResponseMode = mode
	}
}

// Len reports how many channel contexts are currently resident.
func (r *ChannelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
