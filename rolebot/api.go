package rolebot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPathStatus         = "/api/status"
	apiPathChannelContext = "/api/channels/:id/context"
	apiPathChannelHistory = "/api/channels/:id/history"
)

// API is the read-only status server: overall bot health plus
// per-channel context and history, for poking at the bot without going
// through Discord. It never mutates bot state.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
	bot        *RoleBot
}

// newAPI initializes the status API server for the given bot.
func newAPI(bot *RoleBot, config *APIConfig) *API {
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger,
		bot:    bot,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
	)

	r.GET(apiPathStatus, api.getStatus)
	r.GET(apiPathChannelContext, api.getChannelContext)
	r.GET(apiPathChannelHistory, api.getChannelHistory)

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return api
}

// Serve listens and serves until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.Info("api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully shuts down the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// botStatus is the `/api/status` payload.
type botStatus struct {
	Version          string `json:"version"`
	CommitSHA        string `json:"commit_sha,omitempty"`
	BuildTime        string `json:"build_time,omitempty"`
	DiscordConnected bool   `json:"discord_connected"`
	ActiveChannels   int    `json:"active_channels"`
	ResidentChannels int    `json:"resident_channels"`
}

func (a *API) getStatus(c *gin.Context) {
	c.JSON(
		http.StatusOK, botStatus{
			Version:          Version,
			CommitSHA:        CommitSHA,
			BuildTime:        BuildTime,
			DiscordConnected: a.bot.discord.connected.Load(),
			ActiveChannels:   a.bot.queue.ActiveChannels(),
			ResidentChannels: a.bot.channels.Len(),
		},
	)
}

// channelContextPayload is the `/api/channels/:id/context` payload.
type channelContextPayload struct {
	Scenario      ScenarioPrompt  `json:"scenario"`
	PersonaStates PersonaStateMap `json:"persona_states"`
	ResponseMode  ResponseMode    `json:"response_mode"`
	State         ChannelState    `json:"state"`
	HistoryLength int             `json:"history_length"`
}

func (a *API) getChannelContext(c *gin.Context) {
	snapshot, ok := a.channelSnapshot(c)
	if !ok {
		return
	}
	c.JSON(
		http.StatusOK, channelContextPayload{
			Scenario:      snapshot.Scenario,
			PersonaStates: snapshot.PersonaStates,
			ResponseMode:  snapshot.ResponseMode,
			State:         snapshot.State,
			HistoryLength: len(snapshot.History),
		},
	)
}

func (a *API) getChannelHistory(c *gin.Context) {
	snapshot, ok := a.channelSnapshot(c)
	if !ok {
		return
	}
	history := snapshot.History
	if history == nil {
		history = []ConversationEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// channelSnapshot resolves the `:id` parameter against the channel
// allowlist and takes a queue-consistent snapshot. Channels outside the
// allowlist 404 rather than reveal whether they exist.
func (a *API) channelSnapshot(c *gin.Context) (ChannelContext, bool) {
	channelID := c.Param("id")
	if !a.bot.config.Discord.AllowedChannel(channelID) {
		c.AbortWithStatus(http.StatusNotFound)
		return ChannelContext{}, false
	}
	snapshot, err := a.bot.snapshotChannel(
		WithLogger(c.Request.Context(), ginContextLogger(c, a.logger)),
		channelID,
	)
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			gin.H{"error": "channel busy"},
		)
		return ChannelContext{}, false
	}
	return snapshot, true
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set both in the Gin context and the response headers under
// "X-Request-ID".
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included, and sets the logger in the context so the next call returns
// the same logger.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if existing, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := existing.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path, status, and
// duration.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c, logger)
		c.Next()
		requestLogger.Info(
			"request complete",
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"errors", c.Errors.Errors(),
		)
	}
}
