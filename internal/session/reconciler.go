package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chargewatch/internal/telemetry"
)

const backfillTimeout = 15 * time.Second

// Backfiller reads the closed transaction's meter history from REST so the
// visible curve stays complete even when the live stream missed pushes.
type Backfiller interface {
	MeterHistory(ctx context.Context, stationID string, connectorID int, transactionID string) ([]telemetry.Reading, error)
}

// BackfillFunc receives guarded backfill results.
type BackfillFunc func(connectorID int, transactionID string, readings []telemetry.Reading)

// Transition describes what an observation did to a connector's runtime.
type Transition struct {
	Runtime   Runtime
	Changed   bool
	Started   bool // a new session began: the live window must reset
	Completed bool // the session reached a terminal state: freeze + backfill
}

// Reconciler owns the per-connector runtime map and merges every
// observation through the pure Merge rules. It tracks frozen connectors
// after completion and issues one guarded backfill read per closed session.
type Reconciler struct {
	mu         sync.Mutex
	stationID  string
	runtimes   map[int]*Runtime
	frozen     map[int]bool
	fetchKeys  map[int]string
	backfiller Backfiller
	onBackfill BackfillFunc
	logger     *zap.Logger
}

// NewReconciler builds a reconciler for one station.
func NewReconciler(stationID string, backfiller Backfiller, onBackfill BackfillFunc, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		stationID:  stationID,
		runtimes:   make(map[int]*Runtime),
		frozen:     make(map[int]bool),
		fetchKeys:  make(map[int]string),
		backfiller: backfiller,
		onBackfill: onBackfill,
		logger:     logger,
	}
}

// Observe merges one observation. Malformed observations (no connector id)
// are dropped silently; unknown connectors get a fresh runtime.
func (r *Reconciler) Observe(obs Observation) Transition {
	if obs.ConnectorID <= 0 {
		r.logger.Debug("session: dropping observation without connector id",
			zap.String("source", string(obs.Source)))
		return Transition{}
	}

	r.mu.Lock()
	old := r.runtimes[obs.ConnectorID]
	merged, changed := Merge(old, obs)
	if !changed {
		r.mu.Unlock()
		return Transition{Runtime: merged}
	}

	if old != nil {
		merged.LastSample = old.LastSample
		merged.LastSampleAtMs = old.LastSampleAtMs
		if merged.State.startish() && (old.State.Terminal() || !sameTransaction(old, obs)) {
			// Fresh session: the previous session's last sample must not
			// leak into the new runtime.
			merged.LastSample = nil
			merged.LastSampleAtMs = 0
		}
	}
	r.runtimes[obs.ConnectorID] = &merged

	tr := Transition{Runtime: merged, Changed: true}
	tr.Started = merged.State.startish() &&
		(old == nil || old.State.Terminal() || !old.State.startish() || !sameTransaction(old, obs))
	tr.Completed = merged.State.Terminal() && (old == nil || !old.State.Terminal())

	if tr.Started {
		r.frozen[obs.ConnectorID] = false
		delete(r.fetchKeys, obs.ConnectorID)
	}

	var backfillKey, backfillTx string
	if tr.Completed {
		r.frozen[obs.ConnectorID] = true
		if r.backfiller != nil {
			backfillKey = uuid.NewString()
			r.fetchKeys[obs.ConnectorID] = backfillKey
			backfillTx = merged.TransactionID
			if backfillTx == "" {
				backfillTx = merged.CMSTransactionID
			}
		}
	}
	r.mu.Unlock()

	if backfillKey != "" {
		go r.backfill(obs.ConnectorID, backfillTx, backfillKey)
	}
	return tr
}

// ObserveSample records the latest live sample on the connector's runtime.
// Samples never change session state and never move the merge gate; they
// only feed the meter-stop resolution and the last-sample reference.
func (r *Reconciler) ObserveSample(s telemetry.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt := r.runtimes[s.ConnectorID]
	if rt == nil {
		return
	}
	if s.TimestampMs < rt.LastSampleAtMs {
		return
	}
	sample := s
	rt.LastSample = &sample
	rt.LastSampleAtMs = s.TimestampMs
}

// Frozen reports whether the connector's live window is frozen after a
// completed session.
func (r *Reconciler) Frozen(connectorID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen[connectorID]
}

// Runtime returns a copy of the connector's runtime.
func (r *Reconciler) Runtime(connectorID int) (Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt := r.runtimes[connectorID]
	if rt == nil {
		return Runtime{}, false
	}
	return cloneRuntime(rt), true
}

// Runtimes returns copies of every known runtime.
func (r *Reconciler) Runtimes() []Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, cloneRuntime(rt))
	}
	return out
}

// Reset discards all per-connector state, used when the station identity
// changes.
func (r *Reconciler) Reset(stationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stationID = stationID
	r.runtimes = make(map[int]*Runtime)
	r.frozen = make(map[int]bool)
	r.fetchKeys = make(map[int]string)
}

func (r *Reconciler) backfill(connectorID int, transactionID, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
	defer cancel()

	r.mu.Lock()
	stationID := r.stationID
	r.mu.Unlock()

	readings, err := r.backfiller.MeterHistory(ctx, stationID, connectorID, transactionID)
	if err != nil {
		r.logger.Warn("session: backfill read failed",
			zap.Int("connector", connectorID),
			zap.String("transaction", transactionID),
			zap.Error(err))
		return
	}

	// The read is not cancelled mid-flight; its result is discarded when
	// the connector's session identity moved on while it was in flight.
	r.mu.Lock()
	stale := r.fetchKeys[connectorID] != key
	r.mu.Unlock()
	if stale {
		r.logger.Debug("session: discarding stale backfill",
			zap.Int("connector", connectorID),
			zap.String("transaction", transactionID))
		return
	}

	if r.onBackfill != nil {
		r.onBackfill(connectorID, transactionID, readings)
	}
}

func cloneRuntime(rt *Runtime) Runtime {
	out := *rt
	if rt.LastSample != nil {
		sample := *rt.LastSample
		out.LastSample = &sample
	}
	return out
}
