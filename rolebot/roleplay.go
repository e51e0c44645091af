package rolebot

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
)

// scenarioConfirmationEmoji is the reaction the `/init` requester
// presses on the preview message to confirm a generated scenario.
const scenarioConfirmationEmoji = "🆗"

// User-facing messages. The bot speaks Japanese to the channel.
const (
	turnFailedMessage = "エラーが発生しました。しばらくしてからもう一度お試しください。"

	scenarioGenerationFailedMessage = "シナリオの生成に失敗しました。もう一度シチュエーションを送信してください。"

	scenarioPreviewNotice = "シナリオを生成しました。この内容でよければ " +
		scenarioConfirmationEmoji +
		" のリアクションを押してください。作り直す場合は /clear でリセットしてから /init をやり直してください。"

	scenarioAwaitingConfirmationMessage = "シナリオの確認待ちです。プレビューのメッセージに " +
		scenarioConfirmationEmoji +
		" のリアクションを押してください。作り直す場合は /clear でリセットしてから /init をやり直してください。"

	scenarioRegisteredMessage = "シナリオを登録しました!ロールプレイを始めましょう!"

	scenarioPreviewExpiredMessage = "シナリオの確認情報が見つかりませんでした。お手数ですが /init からやり直してください。"

	emptyMessageGuidance = "メッセージが空です。テキストを送信してください。"

	situationRequesterOnlyMessage = "/init を実行したユーザーだけがシチュエーションを送信できます。"

	awaitingReinputMessage = "再入力待ちの状態です。/clear でリセットしてから /init をやり直してください。"

	scenarioMisconfiguredMessage = "シナリオにキャラクターが設定されていません。/init でシナリオを登録し直してください。"
)

// handleMessageCreate is the gateway entrypoint for channel messages.
// It filters out messages the bot should never react to, then enqueues
// the real work on the channel's task queue so turns stay serialized.
func (b *RoleBot) handleMessageCreate(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if !b.config.Discord.AllowedChannel(m.ChannelID) {
		return
	}
	content := strings.TrimSpace(m.Content)

	logger := b.logger.With(messageLogAttrs(m)...)
	ctx := WithLogger(context.Background(), logger)

	b.queue.Enqueue(
		ctx, m.ChannelID, func(taskCtx context.Context) error {
			channelCtx, err := b.channelContext(taskCtx, m.ChannelID)
			if err != nil {
				return err
			}

			switch channelCtx.State.Type {
			case ChannelStateSituationInput:
				if m.Author.ID != channelCtx.State.RequestedBy {
					b.sendNotice(
						taskCtx, m.ChannelID, situationRequesterOnlyMessage,
					)
					return nil
				}
				if content == "" {
					b.sendNotice(taskCtx, m.ChannelID, emptyMessageGuidance)
					return nil
				}
				return b.handleScenarioRegistrationMessage(
					taskCtx, channelCtx, m.ChannelID, content,
				)
			case ChannelStateScenarioPreview:
				// The preview only moves forward via the confirmation
				// reaction; chatter in the meantime gets a reminder.
				b.sendNotice(
					taskCtx, m.ChannelID, scenarioAwaitingConfirmationMessage,
				)
				return nil
			case ChannelStateAwaitingReinput:
				b.sendNotice(taskCtx, m.ChannelID, awaitingReinputMessage)
				return nil
			default:
				if content == "" {
					b.sendNotice(taskCtx, m.ChannelID, emptyMessageGuidance)
					return nil
				}
				return b.handleRoleplayMessage(
					taskCtx, channelCtx, m.ChannelID, m.ID, content,
				)
			}
		},
	)
}

// sendNotice posts a plain guidance message, logging delivery failures.
func (b *RoleBot) sendNotice(ctx context.Context, channelID string, content string) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}
	if _, err := b.discord.channelMessageSend(channelID, content); err != nil {
		logger.ErrorContext(ctx, "error sending notice", tint.Err(err))
	}
}

// channelContext returns the channel's in-memory context, loading it
// from the store on first touch.
func (b *RoleBot) channelContext(
	ctx context.Context,
	channelID string,
) (*ChannelContext, error) {
	return b.channels.GetOrLoad(
		channelID, func() (*ChannelContext, error) {
			return b.store.LoadChannelContext(
				ctx, channelID, b.config.MaxHistoryLength,
			)
		},
	)
}

// pendingReply is a generated persona line held back until the whole
// turn has succeeded.
type pendingReply struct {
	persona PersonaPrompt
	line    string
}

// handleRoleplayMessage runs one conversation turn: append the user's
// message, have each responding persona generate a line, and persist
// everything. Generated lines are buffered and only posted to Discord
// once every persona has succeeded.
//
// If any model call fails, the in-memory context is restored to exactly
// its pre-turn condition, the persisted rows for the turn are deleted,
// and the single error notice is the only message the channel sees.
func (b *RoleBot) handleRoleplayMessage(
	ctx context.Context,
	channelCtx *ChannelContext,
	channelID string,
	messageID string,
	content string,
) error {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}

	userEntry := NewUserEntry(content)
	priorStates := channelCtx.PersonaStates.Clone()
	priorHistory := append([]ConversationEntry(nil), channelCtx.History...)

	channelCtx.AppendEntry(userEntry)

	var turnMessageIDs []uint
	userMessageID, err := b.store.PersistUserMessage(ctx, channelID, userEntry)
	if err != nil {
		// in-memory state stays authoritative; the mirror catches up on
		// the next write
		logger.ErrorContext(ctx, "error persisting user message", tint.Err(err))
	} else {
		turnMessageIDs = append(turnMessageIDs, userMessageID)
	}

	personas := respondingPersonas(channelCtx)
	if len(personas) == 0 {
		// A validated scenario always has at least one persona, so this
		// only happens if the stored scenario was tampered with.
		logger.WarnContext(ctx, "scenario has no personas")
		b.sendNotice(ctx, channelID, scenarioMisconfiguredMessage)
		return nil
	}
	multiPersona := len(channelCtx.Scenario.Personas) > 1

	replies := make([]pendingReply, 0, len(personas))
	for _, persona := range personas {
		if typingErr := b.discord.session.ChannelTyping(channelID); typingErr != nil {
			logger.DebugContext(ctx, "typing indicator failed", tint.Err(typingErr))
		}

		outfit := channelCtx.PersonaStates[persona.ID].CurrentOutfit
		systemPrompt := buildSystemPrompt(channelCtx.Scenario, persona, outfit)
		transcript := buildModelTranscript(channelCtx)

		reply, replyErr := b.openai.GeneratePersonaReply(ctx, systemPrompt, transcript)
		if replyErr != nil {
			logger.ErrorContext(
				ctx,
				"persona reply failed, rolling back turn",
				"persona_id", persona.ID,
				tint.Err(replyErr),
			)
			b.rollbackTurn(
				ctx, channelCtx, channelID, priorHistory, priorStates, turnMessageIDs,
			)
			b.sendNotice(ctx, channelID, turnFailedMessage)
			return replyErr
		}

		entry := NewAssistantEntry(persona.ID, reply.Line)
		channelCtx.AppendEntry(entry)
		channelCtx.UpdatePersonaState(persona.ID, reply.CurrentOutfit)
		replies = append(replies, pendingReply{persona: persona, line: reply.Line})

		assistantMessageID, persistErr := b.store.PersistAssistantMessage(
			ctx, channelID, entry, channelCtx.PersonaStates,
		)
		if persistErr != nil {
			logger.ErrorContext(
				ctx, "error persisting assistant message", tint.Err(persistErr),
			)
			continue
		}
		turnMessageIDs = append(turnMessageIDs, assistantMessageID)
	}

	for i, reply := range replies {
		b.sendPersonaReply(
			ctx, channelID, messageID, reply.persona, reply.line, multiPersona, i == 0,
		)
	}
	return nil
}

// rollbackTurn restores the in-memory context to exactly its pre-turn
// condition, including head entries the turn's appends trimmed past the
// history cap, and deletes the turn's persisted rows.
func (b *RoleBot) rollbackTurn(
	ctx context.Context,
	channelCtx *ChannelContext,
	channelID string,
	priorHistory []ConversationEntry,
	priorStates PersonaStateMap,
	turnMessageIDs []uint,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}

	channelCtx.History = priorHistory
	channelCtx.PersonaStates = priorStates.Clone()

	if err := b.store.RollbackTurn(
		ctx, channelID, turnMessageIDs, priorStates,
	); err != nil {
		logger.ErrorContext(ctx, "error rolling back persisted turn", tint.Err(err))
	}
}

// respondingPersonas returns the personas replying to this turn. In
// single mode that's the selected persona (or the scenario's first
// persona if the selection no longer resolves); in all mode it's every
// persona in a freshly randomized order.
func respondingPersonas(channelCtx *ChannelContext) []PersonaPrompt {
	scenario := channelCtx.Scenario
	if channelCtx.ResponseMode.Type == ResponseModeSingle {
		if persona, found := scenario.Persona(channelCtx.ResponseMode.PersonaID); found {
			return []PersonaPrompt{persona}
		}
		if persona, found := scenario.Persona(scenario.FallbackPersonaID()); found {
			return []PersonaPrompt{persona}
		}
		return nil
	}

	personas := make([]PersonaPrompt, len(scenario.Personas))
	copy(personas, scenario.Personas)
	rand.Shuffle(
		len(personas), func(i, j int) {
			personas[i], personas[j] = personas[j], personas[i]
		},
	)
	return personas
}

// buildModelTranscript renders the channel history for the model. Every
// persona line keeps the assistant role and carries the speaker's
// display name in 【】 brackets, so the model can track who said what
// across personas.
func buildModelTranscript(channelCtx *ChannelContext) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(channelCtx.History))
	for _, entry := range channelCtx.History {
		if entry.Role == RoleAssistant {
			speaker := entry.PersonaID
			if persona, found := channelCtx.Scenario.Persona(entry.PersonaID); found {
				speaker = persona.DisplayName
			}
			messages = append(
				messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: fmt.Sprintf("【%s】%s", speaker, entry.Content),
				},
			)
			continue
		}
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: entry.Content,
			},
		)
	}
	return messages
}

// sendPersonaReply posts one persona's line as a threaded reply to the
// user's message. Only the first reply of a turn pings the author;
// later replies suppress the reply mention. In a multi-persona scenario
// each line is prefixed with the speaking persona's display name.
func (b *RoleBot) sendPersonaReply(
	ctx context.Context,
	channelID string,
	userMessageID string,
	persona PersonaPrompt,
	line string,
	multiPersona bool,
	first bool,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}

	content := line
	if multiPersona {
		content = fmt.Sprintf("【%s】%s", persona.DisplayName, line)
	}

	chunks := chunkMessage(content, discordMaxMessageLength)
	send := &discordgo.MessageSend{
		Content: chunks[0],
		Reference: &discordgo.MessageReference{
			MessageID: userMessageID,
			ChannelID: channelID,
		},
	}
	if !first {
		send.AllowedMentions = &discordgo.MessageAllowedMentions{RepliedUser: false}
	}

	_, sendErr := b.discord.session.ChannelMessageSendComplex(channelID, send)
	if sendErr == nil && len(chunks) > 1 {
		_, sendErr = b.discord.channelMessageSend(
			channelID, strings.Join(chunks[1:], "\n"),
		)
	}
	if sendErr != nil {
		logger.ErrorContext(
			ctx,
			"error sending persona reply",
			"persona_id", persona.ID,
			tint.Err(sendErr),
		)
	}
}

// handleScenarioRegistrationMessage handles the requester's free-text
// situation while the channel is in situation_input: generate a
// scenario, post the preview with the confirmation reaction, and
// persist the pending scenario.
//
// Generation failure keeps the channel in situation_input so the
// requester can just send another situation.
func (b *RoleBot) handleScenarioRegistrationMessage(
	ctx context.Context,
	channelCtx *ChannelContext,
	channelID string,
	situation string,
) error {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}

	state := channelCtx.State
	if typingErr := b.discord.session.ChannelTyping(channelID); typingErr != nil {
		logger.DebugContext(ctx, "typing indicator failed", tint.Err(typingErr))
	}

	scenario, err := b.openai.GenerateScenario(ctx, situation, state.PersonaCount)
	if err != nil {
		logger.ErrorContext(ctx, "scenario generation failed", tint.Err(err))
		b.sendNotice(ctx, channelID, scenarioGenerationFailedMessage)
		return err
	}

	previewText := formatScenarioPrompts(scenario, newPersonaStateMap(scenario))
	previewMessage, err := b.discord.channelFileSend(
		channelID, scenarioPreviewNotice, systemPromptFileName, previewText,
	)
	if err != nil {
		// state stays situation_input; the requester can resend
		b.sendNotice(ctx, channelID, scenarioGenerationFailedMessage)
		return fmt.Errorf("error sending scenario preview: %w", err)
	}

	if reactErr := b.discord.session.MessageReactionAdd(
		channelID, previewMessage.ID, scenarioConfirmationEmoji,
	); reactErr != nil {
		logger.WarnContext(
			ctx, "error adding confirmation reaction", tint.Err(reactErr),
		)
	}

	pending := PendingScenario{
		ModelStringID:    ModelStringID{ID: channelID},
		Scenario:         scenario,
		PersonaCount:     state.PersonaCount,
		RequestedBy:      state.RequestedBy,
		PreviewMessageID: previewMessage.ID,
	}
	if err = b.store.PersistPendingScenario(ctx, pending); err != nil {
		// The preview can't be confirmed without the pending record:
		// take the artifact down and invite a retry from situation_input.
		if deleteErr := b.discord.session.ChannelMessageDelete(
			channelID, previewMessage.ID,
		); deleteErr != nil {
			logger.DebugContext(
				ctx, "error deleting unconfirmable preview", tint.Err(deleteErr),
			)
		}
		b.sendNotice(ctx, channelID, scenarioGenerationFailedMessage)
		return fmt.Errorf("error persisting pending scenario: %w", err)
	}

	newState := ScenarioPreviewState(
		state.PersonaCount, state.RequestedBy, previewMessage.ID,
	)
	channelCtx.State = newState
	if err = b.store.PersistChannelState(ctx, channelID, newState); err != nil {
		// in-memory state is authoritative; the posted preview already
		// answered the requester
		logger.ErrorContext(ctx, "error persisting channel state", tint.Err(err))
	}

	logger.InfoContext(
		ctx,
		"posted scenario preview",
		"channel_id", channelID,
		"preview_message_id", previewMessage.ID,
		"persona_count", len(scenario.Personas),
	)
	return nil
}

// discardPendingPreview deletes the channel's posted preview message
// (best effort) and drops the pending scenario row. The caller decides
// the next channel state.
func (b *RoleBot) discardPendingPreview(
	ctx context.Context,
	channelCtx *ChannelContext,
	channelID string,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}

	if channelCtx.State.PreviewMessageID != "" {
		if err := b.discord.session.ChannelMessageDelete(
			channelID, channelCtx.State.PreviewMessageID,
		); err != nil {
			logger.DebugContext(ctx, "error deleting stale preview", tint.Err(err))
		}
	}
	if err := b.store.ClearPendingScenario(ctx, channelID); err != nil {
		logger.ErrorContext(ctx, "error clearing pending scenario", tint.Err(err))
	}
}

// handleMessageReactionAdd is the gateway entrypoint for reactions. A
// confirmation reaction from the `/init` requester on the current
// preview message registers the pending scenario; everything else is
// ignored.
func (b *RoleBot) handleMessageReactionAdd(
	s *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	if s.State != nil && s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	if r.Emoji.Name != scenarioConfirmationEmoji {
		return
	}
	if !b.config.Discord.AllowedChannel(r.ChannelID) {
		return
	}

	logger := b.logger.With(
		"channel_id", r.ChannelID,
		"message_id", r.MessageID,
		"user_id", r.UserID,
	)
	ctx := WithLogger(context.Background(), logger)

	b.queue.Enqueue(
		ctx, r.ChannelID, func(taskCtx context.Context) error {
			channelCtx, err := b.channelContext(taskCtx, r.ChannelID)
			if err != nil {
				return err
			}
			state := channelCtx.State
			if state.Type != ChannelStateScenarioPreview {
				return nil
			}
			if r.MessageID != state.PreviewMessageID {
				return nil
			}
			if r.UserID != state.RequestedBy {
				return nil
			}
			return b.confirmPendingScenario(taskCtx, channelCtx, r.ChannelID)
		},
	)
}

// confirmPendingScenario makes the pending scenario the channel's
// active scenario: the conversation history is wiped, persona states
// are reset, the response mode returns to all, and the state machine
// returns to idle.
func (b *RoleBot) confirmPendingScenario(
	ctx context.Context,
	channelCtx *ChannelContext,
	channelID string,
) error {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}

	pending, err := b.store.LoadPendingScenario(ctx, channelID)
	if err != nil {
		return fmt.Errorf("error loading pending scenario: %w", err)
	}
	if pending == nil {
		logger.WarnContext(ctx, "no pending scenario for confirmed preview")
		channelCtx.State = IdleChannelState()
		if persistErr := b.store.PersistChannelState(
			ctx, channelID, channelCtx.State,
		); persistErr != nil {
			logger.ErrorContext(
				ctx, "error persisting channel state", tint.Err(persistErr),
			)
		}
		b.sendNotice(ctx, channelID, scenarioPreviewExpiredMessage)
		return nil
	}

	if err = b.store.ClearChannelConversation(ctx, channelID); err != nil {
		return fmt.Errorf("error clearing conversation: %w", err)
	}
	states, err := b.store.PersistScenarioPrompt(ctx, channelID, pending.Scenario)
	if err != nil {
		return fmt.Errorf("error persisting scenario: %w", err)
	}
	if err = b.store.ClearPendingScenario(ctx, channelID); err != nil {
		logger.ErrorContext(ctx, "error clearing pending scenario", tint.Err(err))
	}

	channelCtx.Scenario = pending.Scenario
	channelCtx.History = nil
	channelCtx.PersonaStates = states
	channelCtx.ResponseMode = DefaultResponseMode()
	channelCtx.State = IdleChannelState()
	if err = b.store.PersistChannelState(
		ctx, channelID, channelCtx.State,
	); err != nil {
		return fmt.Errorf("error persisting channel state: %w", err)
	}

	if _, err = b.discord.channelMessageSend(
		channelID, scenarioRegisteredMessage,
	); err != nil {
		logger.ErrorContext(ctx, "error sending confirmation", tint.Err(err))
	}

	logger.InfoContext(
		ctx,
		"registered scenario",
		"channel_id", channelID,
		"persona_count", len(pending.Scenario.Personas),
	)
	return nil
}
