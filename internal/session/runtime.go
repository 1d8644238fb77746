package session

import (
	"strings"

	"chargewatch/internal/telemetry"
)

// State is the connector-level session phase.
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateAuthorized State = "authorized"
	StateCharging   State = "charging"
	StateFinishing  State = "finishing"
	StateCompleted  State = "completed"
	StateErrored    State = "errored"
	StateTimeout    State = "timeout"
)

// Terminal reports whether the state ends a session. Terminal runtimes are
// only superseded by a start observation carrying a new transaction identity.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateTimeout
}

func (s State) startish() bool {
	return s == StatePending || s == StateAuthorized || s == StateCharging
}

// Source identifies where an observation came from.
type Source string

const (
	SourcePush     Source = "push"
	SourceSnapshot Source = "snapshot"
	SourceHistory  Source = "history"
)

// Runtime is the merged, authoritative view of one connector's current or
// most recent session.
type Runtime struct {
	ConnectorID      int               `json:"connectorId"`
	TransactionID    string            `json:"transactionId,omitempty"`
	CMSTransactionID string            `json:"cmsTransactionId,omitempty"`
	IdTag            string            `json:"idTag,omitempty"`
	State            State             `json:"state"`
	StartedAtMs      int64             `json:"startedAt,omitempty"`
	CompletedAtMs    int64             `json:"completedAt,omitempty"`
	UpdatedAtMs      int64             `json:"updatedAt"`
	MeterStartWh     float64           `json:"meterStartWh"`
	MeterStopWh      float64           `json:"meterStopWh,omitempty"`
	TariffPerKWh     float64           `json:"tariffPerKwh,omitempty"`
	MaxPowerKW       float64           `json:"maxPowerKw,omitempty"`
	LastSample       *telemetry.Sample `json:"lastSample,omitempty"`
	LastSampleAtMs   int64             `json:"lastSampleAt,omitempty"`
}

// Observation is one incoming session record from any source, carrying the
// event time used for recency gating.
type Observation struct {
	Source           Source
	ConnectorID      int
	TransactionID    string
	CMSTransactionID string
	IdTag            string
	State            State
	EventTimeMs      int64
	StartedAtMs      int64
	CompletedAtMs    int64
	MeterStartWh     *float64
	MeterStopWh      *float64
	TariffPerKWh     *float64
	MaxPowerKW       *float64
}

// Merge applies an observation to a runtime and returns the resulting
// runtime plus whether anything changed. Pure: rt is never mutated.
//
// The merge is last-writer-wins by event time, not arrival order: an
// observation older than the runtime's updated-at is ignored, which makes
// replays and the REST/push race commutative and idempotent.
func Merge(rt *Runtime, obs Observation) (Runtime, bool) {
	if rt == nil {
		out := newRuntime(obs)
		return out, true
	}

	// A start carrying a new transaction identity supersedes a terminal
	// runtime with a fresh record. Still recency-gated so a replayed start
	// from an earlier session cannot resurrect the connector.
	if rt.State.Terminal() && obs.State.startish() && !sameTransaction(rt, obs) && obs.EventTimeMs >= rt.UpdatedAtMs {
		out := newRuntime(obs)
		return out, true
	}

	if obs.EventTimeMs < rt.UpdatedAtMs {
		return *rt, false
	}

	out := *rt
	out.UpdatedAtMs = obs.EventTimeMs

	if obs.TransactionID != "" {
		out.TransactionID = obs.TransactionID
	}
	if obs.CMSTransactionID != "" {
		out.CMSTransactionID = obs.CMSTransactionID
	}
	if obs.IdTag != "" {
		out.IdTag = obs.IdTag
	}
	if obs.StartedAtMs > 0 && (out.StartedAtMs == 0 || obs.State.startish()) {
		out.StartedAtMs = obs.StartedAtMs
	}
	if obs.CompletedAtMs > 0 {
		out.CompletedAtMs = obs.CompletedAtMs
	}
	if obs.TariffPerKWh != nil {
		out.TariffPerKWh = *obs.TariffPerKWh
	}
	if obs.MaxPowerKW != nil {
		out.MaxPowerKW = *obs.MaxPowerKW
	}
	if obs.MeterStartWh != nil && (out.MeterStartWh == 0 || obs.State.startish()) {
		out.MeterStartWh = *obs.MeterStartWh
	}

	// Terminal states stick: a same-transaction observation may still top
	// up fields (a late history row carrying the final register), but it
	// never reopens the session.
	if obs.State != "" && !(rt.State.Terminal() && !obs.State.Terminal()) {
		out.State = obs.State
	}

	if out.State.Terminal() {
		out.MeterStopWh = resolveMeterStop(&out, obs)
		if out.MeterStopWh > 0 && out.MeterStartWh > out.MeterStopWh {
			out.MeterStartWh = out.MeterStopWh
		}
	}

	return out, out != *rt
}

func newRuntime(obs Observation) Runtime {
	out := Runtime{
		ConnectorID:      obs.ConnectorID,
		TransactionID:    obs.TransactionID,
		CMSTransactionID: obs.CMSTransactionID,
		IdTag:            obs.IdTag,
		State:            obs.State,
		StartedAtMs:      obs.StartedAtMs,
		CompletedAtMs:    obs.CompletedAtMs,
		UpdatedAtMs:      obs.EventTimeMs,
	}
	if out.State == "" {
		out.State = StateIdle
	}
	if obs.MeterStartWh != nil {
		out.MeterStartWh = *obs.MeterStartWh
	}
	if obs.MeterStopWh != nil {
		out.MeterStopWh = *obs.MeterStopWh
	}
	if obs.TariffPerKWh != nil {
		out.TariffPerKWh = *obs.TariffPerKWh
	}
	if obs.MaxPowerKW != nil {
		out.MaxPowerKW = *obs.MaxPowerKW
	}
	if out.State.Terminal() && out.MeterStopWh > 0 && out.MeterStartWh > out.MeterStopWh {
		out.MeterStartWh = out.MeterStopWh
	}
	return out
}

// resolveMeterStop picks the maximum of all stop candidates: the REST stop
// register, the final live sample register, and whatever was resolved
// before. Biased toward not under-reporting delivered energy.
func resolveMeterStop(rt *Runtime, obs Observation) float64 {
	stop := rt.MeterStopWh
	if obs.MeterStopWh != nil && *obs.MeterStopWh > stop {
		stop = *obs.MeterStopWh
	}
	if rt.LastSample != nil && rt.LastSample.EnergyWh > stop {
		stop = rt.LastSample.EnergyWh
	}
	return stop
}

// sameTransaction decides whether an observation belongs to the runtime's
// transaction. Identity matching is best effort: CMS and local ids may
// differ, and REST rows sometimes carry a formatted variant of the local
// id, so comparison normalizes both sides. An observation with no identity
// at all is attributed to the current runtime (connector-plus-open-session
// fallback).
func sameTransaction(rt *Runtime, obs Observation) bool {
	obsIDs := nonEmpty(obs.TransactionID, obs.CMSTransactionID)
	if len(obsIDs) == 0 {
		return true
	}
	rtIDs := nonEmpty(rt.TransactionID, rt.CMSTransactionID)
	if len(rtIDs) == 0 {
		return true
	}
	for _, a := range obsIDs {
		for _, b := range rtIDs {
			if matchesID(a, b) {
				return true
			}
		}
	}
	return false
}

func nonEmpty(ids ...string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func matchesID(a, b string) bool {
	return normalizeID(a) == normalizeID(b)
}

func normalizeID(id string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

