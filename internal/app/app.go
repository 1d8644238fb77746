package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"chargewatch/internal/api"
	"chargewatch/internal/auth"
	"chargewatch/internal/config"
	"chargewatch/internal/engine"
	"chargewatch/internal/push"
	"chargewatch/internal/session"
)

const statusLogInterval = 30 * time.Second

// App wires the reconciliation engine against one live station: REST
// hydration, push channel, token refresh.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *api.Client
	tokens  *auth.TokenHolder
	engine  *engine.Engine
	channel *push.Channel
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	httpClient := api.NewDefaultHTTPClient(cfg.APITimeout())
	a.tokens = auth.NewTokenHolder(cfg.Auth.Token, a.refreshToken, logger)
	a.client = api.NewClient(cfg.API.BaseURL, httpClient, a.tokens)

	a.engine = engine.New(engine.Options{
		StationID:        cfg.Station.ID,
		Window:           cfg.SeriesWindow(),
		MaxPoints:        cfg.Series.MaxPoints,
		HistoryMaxPoints: cfg.Series.HistoryMaxPoints,
		SmoothingSpan:    cfg.Series.SmoothingSpan,
		TimelineCapacity: cfg.Timeline.Capacity,
		MeterThrottle:    cfg.MeterThrottle(),
		Backfiller:       a.client,
		Logger:           logger,
	})

	a.channel = push.NewChannel(push.Options{
		Key:      cfg.Station.ID,
		AddrFunc: a.channelAddr,
		Backoff: push.Backoff{
			Base:   cfg.BaseDelay(),
			Max:    cfg.MaxDelay(),
			Jitter: cfg.Channel.JitterFraction,
		},
		Heartbeat: cfg.HeartbeatInterval(),
		OnFrame:   a.engine.HandleFrame,
		OnRaw:     a.engine.HandleRaw,
		OnAuthFailure: func(ctx context.Context) bool {
			return a.tokens.HandleAuthFailure(ctx)
		},
		Logger: logger,
	})

	return a, nil
}

// Run hydrates from REST, activates the channel, and logs runtime status
// until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.tokens.Token() == "" || a.tokens.Expiring(time.Minute) {
		if err := a.tokens.Refresh(ctx); err != nil {
			return fmt.Errorf("app: obtain access token: %w", err)
		}
	}

	if err := a.hydrate(ctx); err != nil {
		// The engine tolerates a missing snapshot: push frames rebuild
		// the view, REST fills gaps on the next pass.
		a.logger.Warn("app: initial REST hydration failed", zap.Error(err))
	}

	a.channel.Activate(a.channelBase())
	defer a.channel.Deactivate()

	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.logStatus()
		}
	}
}

// Close releases resources.
func (a *App) Close() {
	a.channel.Deactivate()
}

func (a *App) hydrate(ctx context.Context) error {
	detail, err := a.client.StationDetail(ctx, a.cfg.Station.ID)
	if err != nil {
		return err
	}
	a.engine.ApplyStationDetail(detail)

	rows, err := a.client.Sessions(ctx, a.cfg.Station.ID)
	if err != nil {
		return err
	}
	a.engine.ApplySessions(rows, session.SourceSnapshot)
	return nil
}

func (a *App) refreshToken(ctx context.Context) (string, error) {
	return a.client.Login(ctx, a.cfg.Auth.Username, a.cfg.Auth.Password)
}

func (a *App) channelBase() string {
	base := strings.TrimRight(a.cfg.API.BaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return fmt.Sprintf("%s/ws/stations/%s", base, url.PathEscape(a.cfg.Station.ID))
}

// channelAddr is consulted by the channel before every dial, so a reconnect
// after a token refresh carries the current token.
func (a *App) channelAddr() string {
	addr := a.channelBase()
	if token := a.tokens.Token(); token != "" {
		addr += "?token=" + url.QueryEscape(token)
	}
	return addr
}

func (a *App) logStatus() {
	lifecycle, connected := a.engine.LifecycleState()
	fields := []zap.Field{
		zap.String("station", a.cfg.Station.ID),
		zap.String("channel", string(a.channel.Status())),
		zap.String("lifecycle", lifecycle),
		zap.Bool("connected", connected),
	}
	for _, rt := range a.engine.Runtimes() {
		snap := a.engine.SeriesSnapshot(rt.ConnectorID)
		fields = append(fields, zap.String(
			fmt.Sprintf("connector_%d", rt.ConnectorID),
			fmt.Sprintf("%s points=%d", rt.State, len(snap.Samples)),
		))
	}
	a.logger.Info("app: status", fields...)
}
