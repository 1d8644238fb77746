package telemetry

import (
	"math"
	"time"
)

// NominalVoltage is assumed when a reading carries power but no voltage.
const NominalVoltage = 400.0

// Reading is a raw telemetry observation from any source: a push frame, a
// REST meter-value row, or an embedded snapshot. Sources overlap only
// partially, so every field beyond connector and timestamp is optional.
type Reading struct {
	ConnectorID   int      `json:"connectorId"`
	TimestampMs   int64    `json:"timestamp"`
	EnergyWh      *float64 `json:"energyWh,omitempty"`
	DeltaWh       *float64 `json:"deltaWh,omitempty"`
	PowerKW       *float64 `json:"powerKw,omitempty"`
	CurrentA      *float64 `json:"currentA,omitempty"`
	VoltageV      *float64 `json:"voltageV,omitempty"`
	IntervalSec   *float64 `json:"intervalSec,omitempty"`
	TransactionID string   `json:"transactionId,omitempty"`
}

// Sample is one normalized telemetry reading for one connector at one
// instant. Immutable once created; a later sample sharing the timestamp
// supersedes it in the series.
type Sample struct {
	ConnectorID   int       `json:"connectorId"`
	TimestampMs   int64     `json:"timestamp"`
	Time          time.Time `json:"time"`
	EnergyWh      float64   `json:"energyWh"`
	PowerKW       float64   `json:"powerKw"`
	CurrentA      float64   `json:"currentA"`
	VoltageV      float64   `json:"voltageV,omitempty"`
	DeltaWh       float64   `json:"deltaWh"`
	IntervalSec   float64   `json:"intervalSec"`
	TransactionID string    `json:"transactionId,omitempty"`
}

// Normalize converts a raw reading into a canonical sample, deriving the
// fields the source omitted from the previous sample. Pure: prev is never
// mutated and identical inputs yield identical outputs.
//
// The cumulative register is clamped to be non-decreasing: a regressed
// register keeps prev's value while power and current stay freshly computed.
func Normalize(r Reading, prev *Sample) Sample {
	s := Sample{
		ConnectorID:   r.ConnectorID,
		TimestampMs:   r.TimestampMs,
		Time:          time.UnixMilli(r.TimestampMs).UTC(),
		TransactionID: r.TransactionID,
	}
	if s.TransactionID == "" && prev != nil {
		s.TransactionID = prev.TransactionID
	}

	register := 0.0
	switch {
	case r.EnergyWh != nil:
		register = *r.EnergyWh
	case prev != nil && r.DeltaWh != nil:
		register = prev.EnergyWh + *r.DeltaWh
	case prev != nil:
		register = prev.EnergyWh
	}

	interval := 0.0
	switch {
	case r.IntervalSec != nil && *r.IntervalSec > 0:
		interval = *r.IntervalSec
	case prev != nil && r.TimestampMs > prev.TimestampMs:
		interval = float64(r.TimestampMs-prev.TimestampMs) / 1000.0
	}

	delta := 0.0
	switch {
	case r.DeltaWh != nil:
		delta = *r.DeltaWh
	case prev != nil:
		delta = register - prev.EnergyWh
	}

	// A reading that carries energy information decides power itself, even
	// when the register stalled (delta 0 means the session draws nothing
	// right now). Hold-last is reserved for sources with no energy fields.
	power := 0.0
	switch {
	case r.PowerKW != nil:
		power = *r.PowerKW
	case (r.EnergyWh != nil || r.DeltaWh != nil) && delta >= 0 && interval > 0:
		power = (delta / 1000.0) / (interval / 3600.0)
	case prev != nil:
		power = prev.PowerKW
	}

	voltage := NominalVoltage
	if r.VoltageV != nil && *r.VoltageV > 0 {
		voltage = *r.VoltageV
		s.VoltageV = roundTo(voltage, 1)
	}

	current := 0.0
	if r.CurrentA != nil {
		current = *r.CurrentA
	} else if voltage > 0 {
		current = power * 1000.0 / voltage
	}

	if prev != nil && register < prev.EnergyWh {
		register = prev.EnergyWh
	}

	// Rounding is for display stability only: 3 decimal kWh amounts to
	// whole-Wh resolution on the register.
	s.EnergyWh = math.Round(register)
	s.PowerKW = roundTo(power, 2)
	s.CurrentA = roundTo(current, 2)
	s.DeltaWh = roundTo(delta, 3)
	s.IntervalSec = interval
	return s
}

func roundTo(v float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(v*factor) / factor
}
