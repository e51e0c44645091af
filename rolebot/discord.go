package rolebot

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandInit   = "init"
	DiscordSlashCommandClear  = "clear"
	DiscordSlashCommandAIMode = "aimode"
	DiscordSlashCommandShow   = "show"
	DiscordSlashCommandDebug  = "debug"
	DiscordSlashCommandTime   = "time"

	initCommandCountOption     = "count"
	aimodeCommandModeOption    = "mode"
	aimodeCommandPersonaOption = "persona"

	aimodeChoiceAll    = "all"
	aimodeChoiceSingle = "single"

	// DefaultInitPersonaCount is used when `/init` is invoked without an
	// explicit persona count.
	DefaultInitPersonaCount = 2
)

// Discord manages the bot's gateway connection: session lifecycle, event
// handler registration, slash command registration, and the outbound
// message helpers the rest of the bot uses.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *RoleBot
}

// newDiscord initializes a new Discord instance with the provided
// configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and
// configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if d.config.DiscordGoLogLevel != nil {
		disc.LogLevel = discordgoLogLevel(d.config.DiscordGoLogLevel.Level())
	}
	return session, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandInit(),
		d.appCommandClear(),
		d.appCommandAIMode(),
		d.appCommandShow(),
		d.appCommandDebug(),
		d.appCommandTime(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}
	return created, nil
}

// appCommandInit creates the ApplicationCommand for `/init`, which
// starts scenario registration for the channel.
func (*Discord) appCommandInit() *discordgo.ApplicationCommand {
	minCount := float64(minPersonaCount)
	maxCount := float64(maxPersonaCount)
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandInit,
		Type:        discordgo.ChatApplicationCommand,
		Description: "新しいシナリオの登録を開始します",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        initCommandCountOption,
				Description: "AIキャラクターの人数 (1〜3)",
				MinValue:    &minCount,
				MaxValue:    maxCount,
			},
		},
	}
}

// appCommandClear creates the ApplicationCommand for `/clear`, which
// wipes the channel's conversation history.
func (*Discord) appCommandClear() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandClear,
		Type:        discordgo.ChatApplicationCommand,
		Description: "会話履歴をリセットします",
	}
}

// appCommandAIMode creates the ApplicationCommand for `/aimode`, which
// switches between all-personas and single-persona response modes.
func (*Discord) appCommandAIMode() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandAIMode,
		Type:        discordgo.ChatApplicationCommand,
		Description: "応答するキャラクターを切り替えます",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        aimodeCommandModeOption,
				Description: "応答モード",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "全員が応答", Value: aimodeChoiceAll},
					{Name: "1人だけ応答", Value: aimodeChoiceSingle},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        aimodeCommandPersonaOption,
				Description: "単独モードで応答するキャラクター名",
			},
		},
	}
}

// appCommandShow creates the ApplicationCommand for `/show`, which posts
// the current system prompts as a file attachment.
func (*Discord) appCommandShow() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandShow,
		Type:        discordgo.ChatApplicationCommand,
		Description: "現在のシナリオ設定を表示します",
	}
}

// appCommandDebug creates the ApplicationCommand for `/debug`, which
// replies with the channel's internal state, ephemerally.
func (*Discord) appCommandDebug() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandDebug,
		Type:        discordgo.ChatApplicationCommand,
		Description: "チャンネルの内部状態を表示します",
	}
}

// appCommandTime creates the ApplicationCommand for `/time`, which
// replies with the current time in JST.
func (*Discord) appCommandTime() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandTime,
		Type:        discordgo.ChatApplicationCommand,
		Description: "現在時刻(日本時間)を表示します",
	}
}

// channelMessageSend sends the given message to the given discord
// channel ID, splitting it into multiple messages if it exceeds the
// Discord message length limit. The last sent message is returned.
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	var last *discordgo.Message
	for _, chunk := range chunkMessage(message, discordMaxMessageLength) {
		sent, err := d.session.ChannelMessageSend(channelID, chunk, opts...)
		if err != nil {
			return last, err
		}
		last = sent
	}
	return last, nil
}

// channelFileSend posts a message with a single text file attached.
func (d *Discord) channelFileSend(
	channelID string,
	content string,
	fileName string,
	fileContent string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: content,
			Files: []*discordgo.File{
				{
					Name:        fileName,
					ContentType: "text/plain",
					Reader:      strings.NewReader(fileContent),
				},
			},
		},
		opts...,
	)
}

// chunkMessage splits content into chunks of at most limit runes,
// preferring newline boundaries so lines are not cut mid-sentence.
func chunkMessage(content string, limit int) []string {
	if limit <= 0 || len([]rune(content)) <= limit {
		return []string{content}
	}
	var chunks []string
	var current []rune
	for _, line := range strings.Split(content, "\n") {
		runes := []rune(line)
		for len(runes) > limit {
			if len(current) > 0 {
				chunks = append(chunks, string(current))
				current = nil
			}
			chunks = append(chunks, string(runes[:limit]))
			runes = runes[limit:]
		}
		switch {
		case len(current) == 0:
			current = runes
		case len(current)+1+len(runes) <= limit:
			current = append(current, '\n')
			current = append(current, runes...)
		default:
			chunks = append(chunks, string(current))
			current = runes
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite registers the given slash commands,
	// removing any not listed
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with attachments or
	// embeds to a specified channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message from a channel
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelTyping posts a typing indicator to a channel
	ChannelTyping(
		channelID string,
		options ...discordgo.RequestOption,
	) error

	// MessageReactionAdd adds a reaction to a message as the bot user
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	d.logger.Info("opening gateway connection")
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	d.logger.Info("closing gateway connection")
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
