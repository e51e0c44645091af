package rolebot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	notAllowedChannelMessage = "このチャンネルではコマンドを使用できません。"

	initStartedMessageFormat = "シナリオ登録を開始します。キャラクター数: %d人\nロールプレイしたいシチュエーションを送信してください。"

	initBlockedSituationInputMessage = "すでにシナリオ登録が進行中です。シチュエーションの入力待ちのため /init は実行できません。"
	initBlockedPreviewMessage        = "シナリオのプレビュー確認待ちのため /init は実行できません。プレビューに " +
		scenarioConfirmationEmoji + " を押すか、/clear でリセットしてください。"
	initBlockedReinputMessage = "再入力待ちの状態のため /init は実行できません。/clear でリセットしてください。"

	clearDoneMessage = "会話履歴をリセットしました。"

	aimodeAllMessage             = "全員が応答するモードに切り替えました。"
	aimodeSingleMessageFormat    = "「%s」だけが応答するモードに切り替えました。"
	aimodeUnknownPersonaFormat   = "「%s」というキャラクターは見つかりませんでした。"
	aimodePersonaRequiredMessage = "単独モードにするキャラクターを指定してください。"

	busyChannelMessage = "処理中です。少し待ってからもう一度お試しください。"

	// snapshotTimeout bounds how long a read-only command waits behind
	// in-flight turns on the channel queue before giving up. Discord
	// interactions expire after 3 seconds.
	snapshotTimeout = 2500 * time.Millisecond
)

// handleInteractionCreate is the gateway entrypoint for slash commands.
func (b *RoleBot) handleInteractionCreate(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := getDiscordUser(i)
	if user == nil {
		return
	}

	logger := b.logger.With(interactionLogAttrs(*i)...)
	logger = logger.With("user_id", user.ID, "command", i.ApplicationCommandData().Name)
	ctx := WithLogger(context.Background(), logger)

	if !b.config.Discord.AllowedChannel(i.ChannelID) {
		b.interactionRespondMessage(ctx, i, notAllowedChannelMessage, true)
		return
	}

	switch i.ApplicationCommandData().Name {
	case DiscordSlashCommandInit:
		b.handleInitCommand(ctx, i, user)
	case DiscordSlashCommandClear:
		b.handleClearCommand(ctx, i)
	case DiscordSlashCommandAIMode:
		b.handleAIModeCommand(ctx, i)
	case DiscordSlashCommandShow:
		b.handleShowCommand(ctx, i)
	case DiscordSlashCommandDebug:
		b.handleDebugCommand(ctx, i)
	case DiscordSlashCommandTime:
		b.handleTimeCommand(ctx, i)
	default:
		logger.WarnContext(ctx, "unknown command")
	}
}

// interactionRespondMessage sends a plain text interaction response,
// optionally ephemeral.
func (b *RoleBot) interactionRespondMessage(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	if err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// snapshotChannel takes a consistent copy of the channel context by
// scheduling the read on the channel's task queue, so it never observes
// a half-applied turn. It fails with the context's error if in-flight
// work doesn't settle in time.
func (b *RoleBot) snapshotChannel(
	ctx context.Context,
	channelID string,
) (ChannelContext, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	result := make(chan ChannelContext, 1)
	b.queue.Enqueue(
		ctx, channelID, func(taskCtx context.Context) error {
			channelCtx, err := b.channelContext(taskCtx, channelID)
			if err != nil {
				return err
			}
			result <- channelCtx.Snapshot()
			return nil
		},
	)
	select {
	case snapshot := <-result:
		return snapshot, nil
	case <-ctx.Done():
		return ChannelContext{}, ctx.Err()
	}
}

// handleInitCommand starts scenario registration: the channel moves to
// situation_input for the requesting user. Registration can only start
// from idle; otherwise the reply names the blocking condition.
func (b *RoleBot) handleInitCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	personaCount := DefaultInitPersonaCount
	if option, ok := discordInteractionOptions(i)[initCommandCountOption]; ok {
		personaCount = int(option.IntValue())
	}
	if personaCount < minPersonaCount || personaCount > maxPersonaCount {
		personaCount = DefaultInitPersonaCount
	}

	channelID := i.ChannelID
	snapshot, err := b.snapshotChannel(ctx, channelID)
	if err != nil {
		b.interactionRespondMessage(ctx, i, busyChannelMessage, true)
		return
	}
	if blocked, found := initBlockedMessage(snapshot.State); found {
		b.interactionRespondMessage(ctx, i, blocked, true)
		return
	}

	b.interactionRespondMessage(
		ctx, i, fmt.Sprintf(initStartedMessageFormat, personaCount), false,
	)

	b.queue.Enqueue(
		ctx, channelID, func(taskCtx context.Context) error {
			channelCtx, loadErr := b.channelContext(taskCtx, channelID)
			if loadErr != nil {
				return loadErr
			}
			// Re-check under the queue in case another registration
			// started between the snapshot and this task.
			if channelCtx.State.Type != ChannelStateIdle {
				return nil
			}
			state := SituationInputState(personaCount, user.ID)
			channelCtx.State = state
			return b.store.PersistChannelState(taskCtx, channelID, state)
		},
	)
}

// initBlockedMessage maps a non-idle channel state to the rejection
// reply for `/init`.
func initBlockedMessage(state ChannelState) (string, bool) {
	switch state.Type {
	case ChannelStateSituationInput:
		return initBlockedSituationInputMessage, true
	case ChannelStateScenarioPreview:
		return initBlockedPreviewMessage, true
	case ChannelStateAwaitingReinput:
		return initBlockedReinputMessage, true
	default:
		return "", false
	}
}

// handleClearCommand wipes the channel's conversation history, resets
// persona states and response mode, and returns the state machine to
// idle, discarding any in-progress scenario registration. The active
// scenario stays.
func (b *RoleBot) handleClearCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	b.interactionRespondMessage(ctx, i, clearDoneMessage, false)

	channelID := i.ChannelID
	b.queue.Enqueue(
		ctx, channelID, func(taskCtx context.Context) error {
			channelCtx, err := b.channelContext(taskCtx, channelID)
			if err != nil {
				return err
			}
			if channelCtx.State.Type == ChannelStateScenarioPreview {
				b.discardPendingPreview(taskCtx, channelCtx, channelID)
			}
			if err = b.store.ClearChannelConversation(taskCtx, channelID); err != nil {
				return err
			}
			channelCtx.History = nil
			channelCtx.PersonaStates = newPersonaStateMap(channelCtx.Scenario)
			channelCtx.ResponseMode = DefaultResponseMode()
			if channelCtx.State.Type != ChannelStateIdle {
				channelCtx.State = IdleChannelState()
				return b.store.PersistChannelState(
					taskCtx, channelID, channelCtx.State,
				)
			}
			return nil
		},
	)
}

// handleAIModeCommand switches the channel between all-personas and
// single-persona response modes. The persona option accepts either a
// persona ID or a display name.
func (b *RoleBot) handleAIModeCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	options := discordInteractionOptions(i)
	modeOption, ok := options[aimodeCommandModeOption]
	if !ok {
		b.interactionRespondMessage(ctx, i, aimodePersonaRequiredMessage, true)
		return
	}

	channelID := i.ChannelID
	snapshot, err := b.snapshotChannel(ctx, channelID)
	if err != nil {
		b.interactionRespondMessage(ctx, i, busyChannelMessage, true)
		return
	}

	var mode ResponseMode
	var reply string
	switch modeOption.StringValue() {
	case aimodeChoiceSingle:
		personaOption, hasPersona := options[aimodeCommandPersonaOption]
		if !hasPersona || strings.TrimSpace(personaOption.StringValue()) == "" {
			b.interactionRespondMessage(ctx, i, aimodePersonaRequiredMessage, true)
			return
		}
		persona, found := resolvePersona(
			snapshot.Scenario, personaOption.StringValue(),
		)
		if !found {
			b.interactionRespondMessage(
				ctx, i,
				fmt.Sprintf(
					aimodeUnknownPersonaFormat, personaOption.StringValue(),
				),
				true,
			)
			return
		}
		mode = SingleResponseMode(persona.ID)
		reply = fmt.Sprintf(aimodeSingleMessageFormat, persona.DisplayName)
	default:
		mode = DefaultResponseMode()
		reply = aimodeAllMessage
	}

	b.interactionRespondMessage(ctx, i, reply, false)

	b.queue.Enqueue(
		ctx, channelID, func(taskCtx context.Context) error {
			channelCtx, loadErr := b.channelContext(taskCtx, channelID)
			if loadErr != nil {
				return loadErr
			}
			channelCtx.ResponseMode = mode
			return b.store.UpdateResponseMode(taskCtx, channelID, mode)
		},
	)
}

// resolvePersona matches input against persona IDs and display names,
// case-insensitively.
func resolvePersona(scenario ScenarioPrompt, input string) (PersonaPrompt, bool) {
	needle := strings.ToLower(strings.TrimSpace(input))
	for _, persona := range scenario.Personas {
		if strings.ToLower(persona.ID) == needle ||
			strings.ToLower(persona.DisplayName) == needle {
			return persona, true
		}
	}
	return PersonaPrompt{}, false
}

// handleShowCommand posts the channel's current system prompts as a
// text file attachment.
func (b *RoleBot) handleShowCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}

	snapshot, err := b.snapshotChannel(ctx, i.ChannelID)
	if err != nil {
		b.interactionRespondMessage(ctx, i, busyChannelMessage, true)
		return
	}

	prompts := formatScenarioPrompts(snapshot.Scenario, snapshot.PersonaStates)
	if err = b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "現在のシナリオ設定です。",
				Files: []*discordgo.File{
					{
						Name:        systemPromptFileName,
						ContentType: "text/plain",
						Reader:      strings.NewReader(prompts),
					},
				},
			},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// channelDebugPayload is the `/debug` reply body.
type channelDebugPayload struct {
	State          ChannelState    `json:"state"`
	ResponseMode   ResponseMode    `json:"response_mode"`
	PersonaStates  PersonaStateMap `json:"persona_states"`
	HistoryLength  int             `json:"history_length"`
	HistoryPreview []string        `json:"history_preview"`
}

func newChannelDebugPayload(snapshot ChannelContext) channelDebugPayload {
	previews := make([]string, 0, len(snapshot.History))
	for _, entry := range snapshot.History {
		speaker := string(entry.Role)
		if entry.Role == RoleAssistant {
			speaker = entry.PersonaID
		}
		previews = append(
			previews,
			fmt.Sprintf("%s: %s", speaker, formatContentPreview(entry.Content)),
		)
	}
	return channelDebugPayload{
		State:          snapshot.State,
		ResponseMode:   snapshot.ResponseMode,
		PersonaStates:  snapshot.PersonaStates,
		HistoryLength:  len(snapshot.History),
		HistoryPreview: previews,
	}
}

// handleDebugCommand replies, ephemerally, with the channel's internal
// state.
func (b *RoleBot) handleDebugCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	snapshot, err := b.snapshotChannel(ctx, i.ChannelID)
	if err != nil {
		b.interactionRespondMessage(ctx, i, busyChannelMessage, true)
		return
	}

	payload, err := json.MarshalIndent(newChannelDebugPayload(snapshot), "", "  ")
	if err != nil {
		b.interactionRespondMessage(ctx, i, turnFailedMessage, true)
		return
	}
	b.interactionRespondMessage(
		ctx, i, fmt.Sprintf("```json\n%s\n```", payload), true,
	)
}

// handleTimeCommand replies with the current time in JST.
func (b *RoleBot) handleTimeCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	b.interactionRespondMessage(
		ctx, i,
		fmt.Sprintf("現在時刻: %s (JST)", formatJSTDate(time.Now())),
		false,
	)
}
