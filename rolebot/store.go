package rolebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// defaultClearBatchSize bounds how many message rows are deleted per
// statement during a bulk clear.
const defaultClearBatchSize = 500

// Channel is the DB model mirroring a channel's aggregate state:
// scenario, persona states, response mode, and registration state.
// The message log lives in ChannelMessage rows.
type Channel struct {
	ModelStringID
	ModelUnixTime
	Scenario      ScenarioPrompt  `gorm:"serializer:json" json:"scenario"`
	PersonaStates PersonaStateMap `gorm:"serializer:json" json:"persona_states"`
	ResponseMode  ResponseMode    `gorm:"serializer:json" json:"response_mode"`
	State         ChannelState    `gorm:"serializer:json" json:"state"`
}

// ChannelMessage is the DB model for one conversation entry. Insertion
// order (created_at, then id for same-millisecond writes) is the
// chronological order.
type ChannelMessage struct {
	ModelUintID
	ModelUnixTime
	ChannelID string           `gorm:"index" json:"channel_id"`
	Role      ConversationRole `json:"role"`
	Content   string           `json:"content"`
	PersonaID string           `json:"persona_id"`
}

// PendingScenario is the DB model for a generated-but-unconfirmed
// scenario, keyed by channel ID. It exists only between the preview post
// and the confirmation (or replacement/reset).
type PendingScenario struct {
	ModelStringID
	ModelUnixTime
	Scenario         ScenarioPrompt `gorm:"serializer:json" json:"scenario"`
	PersonaCount     int            `json:"persona_count"`
	RequestedBy      string         `json:"requested_by"`
	PreviewMessageID string         `json:"preview_message_id"`
}

// ChannelStore is the durable mirror of per-channel conversation state.
// The in-memory ChannelContext stays authoritative for the process
// lifetime; the store is read lazily on a channel's first touch and
// written after every mutating operation.
type ChannelStore struct {
	db               DBI
	logger           *slog.Logger
	maxHistoryLength int
	clearBatchSize   int
}

func NewChannelStore(
	db DBI,
	logger *slog.Logger,
	maxHistoryLength int,
) *ChannelStore {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistoryLength <= 0 {
		maxHistoryLength = DefaultMaxHistoryLength
	}
	return &ChannelStore{
		db:               db,
		logger:           logger.With(loggerNameKey, "channel_store"),
		maxHistoryLength: maxHistoryLength,
		clearBatchSize:   defaultClearBatchSize,
	}
}

// LoadChannelContext reconstructs a channel's context from the store.
//
// Missing or invalid stored data never fails the load: a missing channel
// row yields the default scenario and an idle state, an invalid scenario
// or state is replaced with the known-good default and re-persisted, and
// an assistant entry whose persona ID no longer resolves in the current
// scenario is re-attributed to the scenario's first persona.
func (s *ChannelStore) LoadChannelContext(
	ctx context.Context,
	channelID string,
	historyLimit int,
) (*ChannelContext, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = s.logger
	}
	if historyLimit <= 0 || historyLimit > s.maxHistoryLength {
		historyLimit = s.maxHistoryLength
	}

	var record Channel
	err := s.db.DB().WithContext(ctx).
		Where("id = ?", channelID).
		First(&record).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record = Channel{
			ModelStringID: ModelStringID{ID: channelID},
			Scenario:      DefaultScenarioPrompt(),
			ResponseMode:  DefaultResponseMode(),
			State:         IdleChannelState(),
		}
		record.PersonaStates = newPersonaStateMap(record.Scenario)
	case err != nil:
		return nil, fmt.Errorf("error loading channel %s: %w", channelID, err)
	}

	if validateErr := record.Scenario.Validate(); validateErr != nil {
		logger.WarnContext(
			ctx,
			"stored scenario invalid, substituting default",
			"channel_id", channelID,
			tint.Err(validateErr),
		)
		record.Scenario = DefaultScenarioPrompt()
		record.PersonaStates = newPersonaStateMap(record.Scenario)
		if _, saveErr := s.db.Save(ctx, &record); saveErr != nil {
			logger.ErrorContext(ctx, "error re-persisting channel", tint.Err(saveErr))
		}
	}

	if validateErr := record.State.validate(); validateErr != nil {
		logger.WarnContext(
			ctx,
			"stored channel state invalid, resetting to idle",
			"channel_id", channelID,
			tint.Err(validateErr),
		)
		record.State = IdleChannelState()
		if _, saveErr := s.db.Save(ctx, &record); saveErr != nil {
			logger.ErrorContext(ctx, "error re-persisting channel", tint.Err(saveErr))
		}
	}

	switch record.ResponseMode.Type {
	case ResponseModeAll, ResponseModeSingle:
	default:
		record.ResponseMode = DefaultResponseMode()
	}

	history, err := s.loadHistory(ctx, channelID, historyLimit, record.Scenario)
	if err != nil {
		return nil, err
	}

	// Bootstrap a snapshot per current persona; drop snapshots for
	// personas no longer in the scenario.
	states := newPersonaStateMap(record.Scenario)
	for id, snapshot := range record.PersonaStates {
		if _, exists := states[id]; exists {
			states[id] = snapshot
		}
	}

	channelCtx := NewChannelContext(record.Scenario, s.maxHistoryLength)
	channelCtx.History = history
	channelCtx.PersonaStates = states
	channelCtx.ResponseMode = record.ResponseMode
	channelCtx.State = record.State
	return channelCtx, nil
}

// loadHistory returns the newest historyLimit messages in chronological
// order, with unresolvable assistant persona IDs re-attributed.
func (s *ChannelStore) loadHistory(
	ctx context.Context,
	channelID string,
	historyLimit int,
	scenario ScenarioPrompt,
) ([]ConversationEntry, error) {
	var messages []ChannelMessage
	err := s.db.DB().WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at desc").
		Order("id desc").
		Limit(historyLimit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf(
			"error loading messages for channel %s: %w", channelID, err,
		)
	}

	history := make([]ConversationEntry, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		entry := ConversationEntry{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.Role == RoleAssistant {
			entry.PersonaID = m.PersonaID
			if _, resolves := scenario.Persona(m.PersonaID); !resolves {
				entry.PersonaID = scenario.FallbackPersonaID()
			}
		}
		history = append(history, entry)
	}
	return history, nil
}

// PersistUserMessage appends a user entry to the channel's message log
// and returns the new row's ID, for rollback if the turn later fails.
func (s *ChannelStore) PersistUserMessage(
	ctx context.Context,
	channelID string,
	entry ConversationEntry,
) (uint, error) {
	message := &ChannelMessage{
		ChannelID: channelID,
		Role:      entry.Role,
		Content:   entry.Content,
	}
	if _, err := s.db.Create(ctx, message); err != nil {
		return 0, err
	}
	return message.ID, nil
}

// PersistAssistantMessage appends an assistant entry, updates the
// channel's persona state snapshot in one pass, and returns the new
// message row's ID.
func (s *ChannelStore) PersistAssistantMessage(
	ctx context.Context,
	channelID string,
	entry ConversationEntry,
	personaStates PersonaStateMap,
) (uint, error) {
	message := &ChannelMessage{
		ChannelID: channelID,
		Role:      entry.Role,
		Content:   entry.Content,
		PersonaID: entry.PersonaID,
	}
	if _, err := s.db.Create(ctx, message); err != nil {
		return 0, err
	}
	err := s.updateChannel(ctx, channelID, func(record *Channel) {
		record.PersonaStates = personaStates.Clone()
	})
	return message.ID, err
}

// RollbackTurn deletes the given message rows and restores the channel's
// persona state snapshot, undoing a partially persisted turn.
func (s *ChannelStore) RollbackTurn(
	ctx context.Context,
	channelID string,
	messageIDs []uint,
	personaStates PersonaStateMap,
) error {
	if len(messageIDs) > 0 {
		if _, err := s.db.Delete(&ChannelMessage{}, "id IN ?", messageIDs); err != nil {
			return fmt.Errorf(
				"error deleting messages for channel %s: %w", channelID, err,
			)
		}
	}
	return s.updateChannel(ctx, channelID, func(record *Channel) {
		record.PersonaStates = personaStates.Clone()
	})
}

// UpdateResponseMode persists the channel's response mode.
func (s *ChannelStore) UpdateResponseMode(
	ctx context.Context,
	channelID string,
	mode ResponseMode,
) error {
	return s.updateChannel(ctx, channelID, func(record *Channel) {
		record.ResponseMode = mode
	})
}

// PersistChannelState persists the channel's state machine value.
func (s *ChannelStore) PersistChannelState(
	ctx context.Context,
	channelID string,
	state ChannelState,
) error {
	return s.updateChannel(ctx, channelID, func(record *Channel) {
		record.State = state
	})
}

// PersistScenarioPrompt replaces the channel's scenario and resets
// persona states to one empty snapshot per persona. The reset state map
// is returned for the in-memory context.
func (s *ChannelStore) PersistScenarioPrompt(
	ctx context.Context,
	channelID string,
	scenario ScenarioPrompt,
) (PersonaStateMap, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	states := newPersonaStateMap(scenario)
	err := s.updateChannel(ctx, channelID, func(record *Channel) {
		record.Scenario = scenario
		record.PersonaStates = states.Clone()
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// PersistPendingScenario upserts the channel's unconfirmed scenario.
func (s *ChannelStore) PersistPendingScenario(
	ctx context.Context,
	pending PendingScenario,
) error {
	_, err := s.db.Save(ctx, &pending)
	return err
}

// LoadPendingScenario returns the channel's unconfirmed scenario, or nil
// if there is none.
func (s *ChannelStore) LoadPendingScenario(
	ctx context.Context,
	channelID string,
) (*PendingScenario, error) {
	var pending PendingScenario
	err := s.db.DB().WithContext(ctx).
		Where("id = ?", channelID).
		First(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pending, nil
}

// ClearPendingScenario deletes the channel's unconfirmed scenario, if any.
func (s *ChannelStore) ClearPendingScenario(
	ctx context.Context,
	channelID string,
) error {
	_, err := s.db.Delete(&PendingScenario{}, "id = ?", channelID)
	return err
}

// ClearChannelConversation deletes every message record for the channel
// in batches, and resets persona states and response mode to their
// defaults. The scenario itself is kept.
func (s *ChannelStore) ClearChannelConversation(
	ctx context.Context,
	channelID string,
) error {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = s.logger
	}

	var deleted int64
	for {
		var ids []uint
		err := s.db.DB().WithContext(ctx).
			Model(&ChannelMessage{}).
			Where("channel_id = ?", channelID).
			Limit(s.clearBatchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return fmt.Errorf(
				"error listing messages for channel %s: %w", channelID, err,
			)
		}
		if len(ids) == 0 {
			break
		}
		affected, err := s.db.Delete(&ChannelMessage{}, "id IN ?", ids)
		if err != nil {
			return fmt.Errorf(
				"error deleting messages for channel %s: %w", channelID, err,
			)
		}
		deleted += affected
	}
	logger.InfoContext(
		ctx,
		"cleared channel conversation",
		"channel_id", channelID,
		"deleted", deleted,
	)

	return s.updateChannel(ctx, channelID, func(record *Channel) {
		record.PersonaStates = newPersonaStateMap(record.Scenario)
		record.ResponseMode = DefaultResponseMode()
	})
}

// updateChannel loads (or initializes) the channel row, applies mutate,
// and saves it back.
func (s *ChannelStore) updateChannel(
	ctx context.Context,
	channelID string,
	mutate func(record *Channel),
) error {
	var record Channel
	err := s.db.DB().WithContext(ctx).
		Where("id = ?", channelID).
		First(&record).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record = Channel{
			ModelStringID: ModelStringID{ID: channelID},
			Scenario:      DefaultScenarioPrompt(),
			ResponseMode:  DefaultResponseMode(),
			State:         IdleChannelState(),
		}
		record.PersonaStates = newPersonaStateMap(record.Scenario)
	case err != nil:
		return fmt.Errorf("error loading channel %s: %w", channelID, err)
	}

	mutate(&record)
	if _, err := s.db.Save(ctx, &record); err != nil {
		return fmt.Errorf("error saving channel %s: %w", channelID, err)
	}
	return nil
}
