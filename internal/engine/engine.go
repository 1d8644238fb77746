package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chargewatch/internal/api"
	"chargewatch/internal/session"
	"chargewatch/internal/telemetry"
	"chargewatch/internal/timeline"
)

// Options configures the engine.
type Options struct {
	StationID        string
	Window           time.Duration
	MaxPoints        int
	HistoryMaxPoints int
	SmoothingSpan    int
	TimelineCapacity int
	MeterThrottle    time.Duration
	Backfiller       session.Backfiller
	Logger           *zap.Logger
}

// Engine is the reconciliation coordinator: it owns the per-connector
// series and runtime maps plus the timeline, consumes push frames and REST
// observations, and hands the visualization layer read-only snapshots.
//
// One mutex serializes every mutation turn; all merge logic itself lives in
// the pure functions of the telemetry and session packages.
type Engine struct {
	mu sync.Mutex

	stationID        string
	window           time.Duration
	maxPoints        int
	historyMaxPoints int
	smoothingSpan    int
	logger           *zap.Logger

	series  map[int]*telemetry.Series
	history map[int]*telemetry.Series

	reconciler *session.Reconciler
	events     *timeline.Log

	lifecycleState string
	connected      bool
	tariffPerKWh   float64
}

// New builds an engine for one station.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Minute
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 360
	}
	if opts.HistoryMaxPoints <= 0 {
		opts.HistoryMaxPoints = 5000
	}
	if opts.SmoothingSpan <= 0 {
		opts.SmoothingSpan = 5
	}

	e := &Engine{
		stationID:        opts.StationID,
		window:           opts.Window,
		maxPoints:        opts.MaxPoints,
		historyMaxPoints: opts.HistoryMaxPoints,
		smoothingSpan:    opts.SmoothingSpan,
		logger:           opts.Logger,
		series:           make(map[int]*telemetry.Series),
		history:          make(map[int]*telemetry.Series),
		events:           timeline.New(opts.TimelineCapacity, opts.MeterThrottle),
	}
	e.reconciler = session.NewReconciler(opts.StationID, opts.Backfiller, e.applyBackfill, opts.Logger)
	return e
}

// StationID returns the station this engine reconciles.
func (e *Engine) StationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stationID
}

// SetStation re-keys the engine to a different station, discarding every
// per-connector series and runtime. No-op for the same identity.
func (e *Engine) SetStation(stationID string) {
	e.mu.Lock()
	if e.stationID == stationID {
		e.mu.Unlock()
		return
	}
	e.stationID = stationID
	e.series = make(map[int]*telemetry.Series)
	e.history = make(map[int]*telemetry.Series)
	e.lifecycleState = ""
	e.connected = false
	e.mu.Unlock()

	e.reconciler.Reset(stationID)
	e.logger.Info("engine: station changed, state discarded", zap.String("station", stationID))
}

// ApplyStationDetail merges a REST station-detail read: lifecycle, tariff,
// connector faults, and the embedded snapshot/history telemetry maps.
func (e *Engine) ApplyStationDetail(d *api.StationDetail) {
	if d == nil {
		return
	}

	e.mu.Lock()
	e.lifecycleState = d.LifecycleState
	e.connected = d.Connected
	if d.PricePerKWh > 0 {
		e.tariffPerKWh = d.PricePerKWh
	}
	e.mu.Unlock()

	for _, conn := range d.Connectors {
		if conn.ErrorCode == "" || conn.ErrorCode == "NoError" {
			continue
		}
		e.events.Record(timeline.Event{
			Key:         fmt.Sprintf("fault:%d:%s", conn.ConnectorID, conn.ErrorCode),
			TimestampMs: time.Now().UnixMilli(),
			Category:    timeline.CategoryFault,
			Title:       fmt.Sprintf("Connector %d fault", conn.ConnectorID),
			Subtitle:    conn.ErrorCode,
			Tone:        timeline.ToneDanger,
		})
	}

	for key, rows := range d.LastHistory {
		connectorID := parseConnectorKey(key)
		if connectorID <= 0 {
			continue
		}
		sorted := make([]api.MeterValueRow, len(rows))
		copy(sorted, rows)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].SampledAt.Before(sorted[j].SampledAt) })
		for _, row := range sorted {
			e.applyReading(connectorID, row.Reading())
		}
	}
	for key, row := range d.LastSnapshot {
		connectorID := parseConnectorKey(key)
		if connectorID <= 0 {
			continue
		}
		e.applyReading(connectorID, row.Reading())
	}
}

// ApplySessions merges REST session rows through the same recency-gated
// path as push events, so replays and the REST/push race resolve
// deterministically.
func (e *Engine) ApplySessions(rows []api.SessionRow, source session.Source) {
	for _, row := range rows {
		obs := rowToObservation(row, source)
		tr := e.reconciler.Observe(obs)
		if !tr.Changed {
			continue
		}
		if tr.Started {
			e.resetSeries(tr.Runtime.ConnectorID, transactionKey(tr.Runtime))
		}
		e.recordSessionEvent(tr)
	}
}

// ApplyMeterHistory hydrates the connector's complete-history buffer from
// REST meter rows, filling gaps the live stream missed while disconnected.
func (e *Engine) ApplyMeterHistory(connectorID int, readings []telemetry.Reading) {
	sorted := make([]telemetry.Reading, len(readings))
	copy(sorted, readings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimestampMs < sorted[j].TimestampMs })

	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.historyLocked(connectorID)
	for _, r := range sorted {
		sample := telemetry.Normalize(r, h.Last())
		h.Append(sample)
	}
	h.CapCount(e.historyMaxPoints)
}

func (e *Engine) applyBackfill(connectorID int, transactionID string, readings []telemetry.Reading) {
	e.logger.Debug("engine: hydrating history from backfill",
		zap.Int("connector", connectorID),
		zap.String("transaction", transactionID),
		zap.Int("rows", len(readings)))
	e.ApplyMeterHistory(connectorID, readings)
}

// applyReading routes one raw reading through normalization into the live
// window (unless the connector is frozen) and the history buffer.
func (e *Engine) applyReading(connectorID int, reading telemetry.Reading) {
	frozen := e.reconciler.Frozen(connectorID)

	e.mu.Lock()
	var sample telemetry.Sample
	if !frozen {
		s := e.seriesLocked(connectorID)
		sample = telemetry.Normalize(reading, s.Last())
		s.Append(sample)
		s.Trim(e.window, e.maxPoints)
	}

	h := e.historyLocked(connectorID)
	hist := telemetry.Normalize(reading, h.Last())
	h.Append(hist)
	h.CapCount(e.historyMaxPoints)
	e.mu.Unlock()

	if !frozen {
		e.reconciler.ObserveSample(sample)
	}
}

func (e *Engine) resetSeries(connectorID int, transactionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := telemetry.NewSeries(connectorID)
	s.TransactionID = transactionID
	e.series[connectorID] = s

	h := telemetry.NewSeries(connectorID)
	h.TransactionID = transactionID
	e.history[connectorID] = h
}

func (e *Engine) seriesLocked(connectorID int) *telemetry.Series {
	s := e.series[connectorID]
	if s == nil {
		s = telemetry.NewSeries(connectorID)
		e.series[connectorID] = s
	}
	return s
}

func (e *Engine) historyLocked(connectorID int) *telemetry.Series {
	h := e.history[connectorID]
	if h == nil {
		h = telemetry.NewSeries(connectorID)
		e.history[connectorID] = h
	}
	return h
}

// SeriesSnapshot returns a copy of the connector's windowed series.
func (e *Engine) SeriesSnapshot(connectorID int) telemetry.Series {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.series[connectorID]
	if s == nil {
		return telemetry.Series{ConnectorID: connectorID}
	}
	return s.Clone()
}

// SmoothedSeries returns the windowed series with presentation smoothing
// applied.
func (e *Engine) SmoothedSeries(connectorID int) []telemetry.Sample {
	snap := e.SeriesSnapshot(connectorID)
	return telemetry.Smooth(snap.Samples, e.smoothingSpan)
}

// HistorySnapshot returns a copy of the connector's complete-history buffer.
func (e *Engine) HistorySnapshot(connectorID int) telemetry.Series {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.history[connectorID]
	if h == nil {
		return telemetry.Series{ConnectorID: connectorID}
	}
	return h.Clone()
}

// Runtime returns a copy of the connector's session runtime.
func (e *Engine) Runtime(connectorID int) (session.Runtime, bool) {
	return e.reconciler.Runtime(connectorID)
}

// Runtimes returns copies of every known runtime, ordered by connector.
func (e *Engine) Runtimes() []session.Runtime {
	out := e.reconciler.Runtimes()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out
}

// Timeline returns timeline events, by arrival order or event-time order,
// optionally filtered by category.
func (e *Engine) Timeline(byEventTime bool, categories ...timeline.Category) []timeline.Event {
	if byEventTime {
		return e.events.ByEventTime(categories...)
	}
	return e.events.ByArrival(categories...)
}

// LifecycleState returns the station lifecycle and connectivity.
func (e *Engine) LifecycleState() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycleState, e.connected
}

func parseConnectorKey(key string) int {
	var id int
	if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
		return 0
	}
	return id
}

func transactionKey(rt session.Runtime) string {
	if rt.TransactionID != "" {
		return rt.TransactionID
	}
	return rt.CMSTransactionID
}

func rowToObservation(row api.SessionRow, source session.Source) session.Observation {
	obs := session.Observation{
		Source:           source,
		ConnectorID:      row.ConnectorID,
		TransactionID:    row.TransactionID,
		CMSTransactionID: row.CMSTransactionID,
		IdTag:            row.IdTag,
		State:            mapRowState(row),
		EventTimeMs:      row.EventTimeMs(),
		MeterStartWh:     row.MeterStartWh,
		MeterStopWh:      row.MeterStopWh,
		TariffPerKWh:     row.TariffPerKWh,
		MaxPowerKW:       row.MaxPowerKW,
	}
	if row.StartedAt != nil {
		obs.StartedAtMs = row.StartedAt.UnixMilli()
	}
	if row.CompletedAt != nil {
		obs.CompletedAtMs = row.CompletedAt.UnixMilli()
	}
	return obs
}

func mapRowState(row api.SessionRow) session.State {
	switch row.State {
	case "active", "charging":
		return session.StateCharging
	case "pending":
		return session.StatePending
	case "authorized":
		return session.StateAuthorized
	case "finishing":
		return session.StateFinishing
	case "completed":
		return session.StateCompleted
	case "error", "errored", "failed":
		return session.StateErrored
	case "timeout":
		return session.StateTimeout
	}
	if row.CompletedAt != nil {
		return session.StateCompleted
	}
	return session.StateCharging
}
