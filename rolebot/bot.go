package rolebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Build metadata, set via -ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

// RoleBot is the top-level bot: it owns the Discord connection, the
// model client, the durable store, the per-channel task queue, and the
// in-memory channel contexts, and wires the gateway events into the
// roleplay and command handlers.
type RoleBot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db       DBI
	store    *ChannelStore
	openai   *OpenAI
	discord  *Discord
	queue    *ChannelTaskQueue
	channels *ChannelRegistry
	api      *API
}

// New creates a RoleBot from the given config. The database and gateway
// connections are established in Run, not here.
func New(config *Config) (*RoleBot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if config.Discord == nil || config.Discord.Token == "" {
		return nil, errors.New("discord token not set")
	}
	if config.OpenAI == nil || config.OpenAI.Token == "" {
		return nil, errors.New("openai token not set")
	}

	handler := tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	logger := slog.New(handler).With(loggerNameKey, "rolebot")
	slog.SetDefault(slog.New(handler))

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	discord, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	discord.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	bot := &RoleBot{
		config:     config,
		logger:     logger,
		logHandler: handler,
		discord:    discord,
		queue:      NewChannelTaskQueue(logger),
		channels:   NewChannelRegistry(),
	}
	discord.bot = bot
	bot.openai = NewOpenAI(*config.OpenAI, logger, config.HTTPClient)
	if config.API != nil && config.API.Enabled {
		bot.api = newAPI(bot, config.API)
	}
	return bot, nil
}

// Run connects the bot and blocks until ctx is canceled, then shuts
// down gracefully within the configured shutdown timeout.
func (b *RoleBot) Run(ctx context.Context) error {
	startupCtx, cancelStartup := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancelStartup()

	gormDB, err := CreateDB(startupCtx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = NewDatabase(
		gormDB,
		b.logger,
		b.config.DatabaseType == dbTypePostgres,
	)
	b.store = NewChannelStore(b.db, b.logger, b.config.MaxHistoryLength)

	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.handleMessageCreate),
		session.AddHandler(b.handleMessageReactionAdd),
		session.AddHandler(b.handleInteractionCreate),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	b.logger.InfoContext(ctx, "discord session opened")

	if _, err = b.discord.registerCommands(); err != nil {
		_ = session.Close()
		return fmt.Errorf("error registering commands: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if b.api != nil {
		group.Go(
			func() error {
				serveErr := b.api.Serve(groupCtx)
				if errors.Is(serveErr, http.ErrServerClosed) {
					return nil
				}
				return serveErr
			},
		)
	}
	group.Go(
		func() error {
			<-groupCtx.Done()
			b.shutdown()
			return nil
		},
	)

	err = group.Wait()
	if err != nil {
		b.logger.Error("run finished with error", tint.Err(err))
	}
	return err
}

// shutdown removes gateway handlers, closes the Discord session, drains
// active channel queues, and stops the API server, all bounded by the
// shutdown timeout.
func (b *RoleBot) shutdown() {
	b.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), b.config.ShutdownTimeout,
	)
	defer cancel()

	for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	b.discord.discordgoRemoveHandlerFuncs = nil

	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			b.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	// Drain in-flight turns so their writes land before the DB closes.
	for _, channelID := range b.config.Discord.AllowedChannelIDs {
		if err := b.queue.WaitForDrain(shutdownCtx, channelID); err != nil {
			b.logger.Warn(
				"queue did not drain before shutdown deadline",
				"channel_id", channelID,
				tint.Err(err),
			)
			break
		}
	}

	if b.api != nil {
		if err := b.api.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("error shutting down api", tint.Err(err))
		}
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB().DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				b.logger.Error("error closing database", tint.Err(closeErr))
			}
		}
	}
	b.logger.Info("shutdown complete")
}
