package api

import (
	"encoding/json"
	"time"

	"chargewatch/internal/telemetry"
)

// ConnectorInfo is one connector as reported by the station detail.
type ConnectorInfo struct {
	ConnectorID int    `json:"connectorId"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

// StationDetail holds only the station-detail fields the engine consumes:
// connectors, lifecycle, tariff, and the embedded telemetry maps keyed by
// connector id.
type StationDetail struct {
	StationID      string                      `json:"stationId"`
	LifecycleState string                      `json:"lifecycleState"`
	Connected      bool                        `json:"connected"`
	PricePerKWh    float64                     `json:"pricePerKwh"`
	Connectors     []ConnectorInfo             `json:"connectors"`
	LastSnapshot   map[string]MeterValueRow    `json:"lastSnapshot,omitempty"`
	LastHistory    map[string][]MeterValueRow  `json:"lastHistory,omitempty"`
}

// SessionRow is one session record from the list or history endpoint.
type SessionRow struct {
	ConnectorID      int        `json:"connectorId"`
	TransactionID    string     `json:"transactionId"`
	CMSTransactionID string     `json:"cmsTransactionId,omitempty"`
	IdTag            string     `json:"idTag,omitempty"`
	State            string     `json:"state"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
	MeterStartWh     *float64   `json:"meterStartWh,omitempty"`
	MeterStopWh      *float64   `json:"meterStopWh,omitempty"`
	TariffPerKWh     *float64   `json:"tariffPerKwh,omitempty"`
	MaxPowerKW       *float64   `json:"maxPowerKw,omitempty"`
}

// EventTimeMs picks the freshest timestamp a row carries, for recency
// gating: updated-at, else completed-at, else started-at.
func (r SessionRow) EventTimeMs() int64 {
	switch {
	case r.UpdatedAt != nil:
		return r.UpdatedAt.UnixMilli()
	case r.CompletedAt != nil:
		return r.CompletedAt.UnixMilli()
	case r.StartedAt != nil:
		return r.StartedAt.UnixMilli()
	}
	return 0
}

// MeterValueRow is one meter-value record. The free-form payload may carry
// power, current, voltage, delta-energy, interval, and transaction fields
// under a handful of historical key spellings.
type MeterValueRow struct {
	ConnectorID int             `json:"connectorId"`
	EnergyWh    float64         `json:"energyWh"`
	SampledAt   time.Time       `json:"sampledAt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type meterPayload struct {
	PowerKW       *float64 `json:"powerKw,omitempty"`
	CurrentA      *float64 `json:"currentA,omitempty"`
	VoltageV      *float64 `json:"voltageV,omitempty"`
	DeltaWh       *float64 `json:"deltaWh,omitempty"`
	IntervalSec   *float64 `json:"intervalSec,omitempty"`
	TransactionID string   `json:"transactionId,omitempty"`
}

// Reading converts the row into the normalizer's raw reading shape. A
// payload that fails to decode is treated as absent, not as an error.
func (r MeterValueRow) Reading() telemetry.Reading {
	energy := r.EnergyWh
	reading := telemetry.Reading{
		ConnectorID: r.ConnectorID,
		TimestampMs: r.SampledAt.UnixMilli(),
		EnergyWh:    &energy,
	}
	if len(r.Payload) == 0 {
		return reading
	}

	var p meterPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return reading
	}
	reading.PowerKW = p.PowerKW
	reading.CurrentA = p.CurrentA
	reading.VoltageV = p.VoltageV
	reading.DeltaWh = p.DeltaWh
	reading.IntervalSec = p.IntervalSec
	reading.TransactionID = p.TransactionID
	return reading
}
