package push

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType enumerates the typed frames a station channel emits. The wire
// value space is open (the simulator may grow new types), so classification
// keeps an explicit unknown branch instead of failing.
type FrameType string

const (
	FrameMeterSample     FrameType = "meter.sample"
	FrameSessionStarted  FrameType = "session.started"
	FrameSessionStopped  FrameType = "session.stopped"
	FrameConnectorStatus FrameType = "connector.status"
	FrameSimulatorState  FrameType = "simulator.state"
	FrameHeartbeat       FrameType = "heartbeat"
	FrameLogEntry        FrameType = "log.entry"
	FrameCommandFailed   FrameType = "command.failed"
	FrameCommandRetry    FrameType = "command.retry"
	FrameUnknown         FrameType = "unknown"
)

// MeterSampleFrame carries one telemetry reading for a connector.
type MeterSampleFrame struct {
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

// SessionStartedFrame announces a new charging session on a connector.
type SessionStartedFrame struct {
	ConnectorID   int      `json:"connectorId"`
	TransactionID string   `json:"transactionId"`
	MeterWh       float64  `json:"meterWh"`
	TimestampMs   int64    `json:"timestamp"`
	IdTag         string   `json:"idTag,omitempty"`
	TariffPerKWh  *float64 `json:"tariffPerKwh,omitempty"`
	MaxPowerKW    *float64 `json:"maxPowerKw,omitempty"`
}

// SessionStoppedFrame announces a session completion on a connector.
type SessionStoppedFrame struct {
	ConnectorID   int     `json:"connectorId"`
	TransactionID string  `json:"transactionId"`
	MeterWh       float64 `json:"meterWh"`
	TimestampMs   int64   `json:"timestamp"`
	Reason        string  `json:"reason,omitempty"`
}

// ConnectorStatusFrame reports a connector status change.
type ConnectorStatusFrame struct {
	ConnectorID int    `json:"connectorId"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode,omitempty"`
	TimestampMs int64  `json:"timestamp"`
}

// SimulatorStateFrame reports the station lifecycle state.
type SimulatorStateFrame struct {
	State       string `json:"state"`
	Connected   bool   `json:"connected"`
	TimestampMs int64  `json:"timestamp"`
}

// HeartbeatFrame is the station keep-alive.
type HeartbeatFrame struct {
	StationID   string `json:"stationId"`
	Connectors  int    `json:"connectors"`
	TimestampMs int64  `json:"timestamp"`
}

// LogEntryFrame carries a simulator log line.
type LogEntryFrame struct {
	Level       string `json:"level"`
	Message     string `json:"message"`
	TimestampMs int64  `json:"timestamp"`
}

// CommandFrame reports a command outcome (failed or retried).
type CommandFrame struct {
	Command     string `json:"command"`
	Error       string `json:"error,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	TimestampMs int64  `json:"timestamp"`
}

// Frame is the decoded union: Type selects which payload pointer is set.
// Unknown types keep only Type and Raw.
type Frame struct {
	Type            FrameType
	Raw             json.RawMessage
	MeterSample     *MeterSampleFrame
	SessionStarted  *SessionStartedFrame
	SessionStopped  *SessionStoppedFrame
	ConnectorStatus *ConnectorStatusFrame
	SimulatorState  *SimulatorStateFrame
	Heartbeat       *HeartbeatFrame
	LogEntry        *LogEntryFrame
	Command         *CommandFrame
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseFrame decodes a raw push frame into the typed union.
func ParseFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("push: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Frame{}, errors.New("push: frame missing type")
	}

	frame := Frame{Type: FrameType(env.Type), Raw: env.Data}
	payload := env.Data
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var err error
	switch frame.Type {
	case FrameMeterSample:
		frame.MeterSample = &MeterSampleFrame{}
		err = json.Unmarshal(payload, frame.MeterSample)
	case FrameSessionStarted:
		frame.SessionStarted = &SessionStartedFrame{}
		err = json.Unmarshal(payload, frame.SessionStarted)
	case FrameSessionStopped:
		frame.SessionStopped = &SessionStoppedFrame{}
		err = json.Unmarshal(payload, frame.SessionStopped)
	case FrameConnectorStatus:
		frame.ConnectorStatus = &ConnectorStatusFrame{}
		err = json.Unmarshal(payload, frame.ConnectorStatus)
	case FrameSimulatorState:
		frame.SimulatorState = &SimulatorStateFrame{}
		err = json.Unmarshal(payload, frame.SimulatorState)
	case FrameHeartbeat:
		frame.Heartbeat = &HeartbeatFrame{}
		err = json.Unmarshal(payload, frame.Heartbeat)
	case FrameLogEntry:
		frame.LogEntry = &LogEntryFrame{}
		err = json.Unmarshal(payload, frame.LogEntry)
	case FrameCommandFailed, FrameCommandRetry:
		frame.Command = &CommandFrame{}
		err = json.Unmarshal(payload, frame.Command)
	default:
		frame.Type = FrameUnknown
		frame.Raw = data
	}
	if err != nil {
		return Frame{}, fmt.Errorf("push: decode %s payload: %w", env.Type, err)
	}
	return frame, nil
}
