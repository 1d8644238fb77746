package engine

import (
	"fmt"

	"go.uber.org/zap"

	"chargewatch/internal/push"
	"chargewatch/internal/session"
	"chargewatch/internal/telemetry"
	"chargewatch/internal/timeline"
)

// HandleFrame classifies one push frame and applies it. The type space is
// open on the wire, so unknown frames no-op safely.
func (e *Engine) HandleFrame(f push.Frame) {
	switch f.Type {
	case push.FrameMeterSample:
		e.handleMeterSample(f.MeterSample)
	case push.FrameSessionStarted:
		e.handleSessionStarted(f.SessionStarted)
	case push.FrameSessionStopped:
		e.handleSessionStopped(f.SessionStopped)
	case push.FrameConnectorStatus:
		e.handleConnectorStatus(f.ConnectorStatus)
	case push.FrameSimulatorState:
		e.handleSimulatorState(f.SimulatorState)
	case push.FrameHeartbeat:
		e.handleHeartbeat(f.Heartbeat)
	case push.FrameLogEntry:
		e.handleLogEntry(f.LogEntry)
	case push.FrameCommandFailed, push.FrameCommandRetry:
		e.handleCommand(f.Type, f.Command)
	default:
		e.logger.Debug("engine: ignoring unknown frame type")
	}
}

// HandleRaw receives payloads the channel could not parse. Dropped with a
// debug trace; a bad frame never poisons state.
func (e *Engine) HandleRaw(raw []byte) {
	e.logger.Debug("engine: unparseable push payload", zap.Int("bytes", len(raw)))
}

func (e *Engine) handleMeterSample(f *push.MeterSampleFrame) {
	if f == nil || f.ConnectorID <= 0 {
		return
	}

	reading := telemetry.Reading{
		ConnectorID:   f.ConnectorID,
		TimestampMs:   f.TimestampMs,
		EnergyWh:      f.EnergyWh,
		DeltaWh:       f.DeltaWh,
		PowerKW:       f.PowerKW,
		CurrentA:      f.CurrentA,
		VoltageV:      f.VoltageV,
		IntervalSec:   f.IntervalSec,
		TransactionID: f.TransactionID,
	}
	e.applyReading(f.ConnectorID, reading)

	var power float64
	if f.PowerKW != nil {
		power = *f.PowerKW
	}
	e.events.RecordMeter(f.ConnectorID, timeline.Event{
		Key:         fmt.Sprintf("meter:%d:%d", f.ConnectorID, f.TimestampMs),
		TimestampMs: f.TimestampMs,
		Title:       fmt.Sprintf("Connector %d telemetry", f.ConnectorID),
		Metrics:     map[string]string{"powerKw": fmt.Sprintf("%.2f", power)},
	})
}

func (e *Engine) handleSessionStarted(f *push.SessionStartedFrame) {
	if f == nil {
		return
	}

	meterStart := f.MeterWh
	obs := session.Observation{
		Source:        session.SourcePush,
		ConnectorID:   f.ConnectorID,
		TransactionID: f.TransactionID,
		IdTag:         f.IdTag,
		State:         session.StateCharging,
		EventTimeMs:   f.TimestampMs,
		StartedAtMs:   f.TimestampMs,
		MeterStartWh:  &meterStart,
		TariffPerKWh:  f.TariffPerKWh,
		MaxPowerKW:    f.MaxPowerKW,
	}
	tr := e.reconciler.Observe(obs)
	if tr.Started {
		e.resetSeries(f.ConnectorID, f.TransactionID)
	}
	if tr.Changed {
		e.recordSessionEvent(tr)
	}
}

func (e *Engine) handleSessionStopped(f *push.SessionStoppedFrame) {
	if f == nil {
		return
	}

	meterStop := f.MeterWh
	obs := session.Observation{
		Source:        session.SourcePush,
		ConnectorID:   f.ConnectorID,
		TransactionID: f.TransactionID,
		State:         stopState(f.Reason),
		EventTimeMs:   f.TimestampMs,
		CompletedAtMs: f.TimestampMs,
		MeterStopWh:   &meterStop,
	}
	tr := e.reconciler.Observe(obs)
	if tr.Changed {
		e.recordSessionEvent(tr)
	}
}

func stopState(reason string) session.State {
	switch reason {
	case "error", "fault":
		return session.StateErrored
	case "timeout":
		return session.StateTimeout
	}
	return session.StateCompleted
}

func (e *Engine) handleConnectorStatus(f *push.ConnectorStatusFrame) {
	if f == nil || f.ConnectorID <= 0 {
		return
	}

	tone := timeline.ToneInfo
	if f.Status == "Faulted" {
		tone = timeline.ToneDanger
	}
	e.events.Record(timeline.Event{
		Key:         fmt.Sprintf("status:%d:%s:%d", f.ConnectorID, f.Status, f.TimestampMs),
		TimestampMs: f.TimestampMs,
		Category:    timeline.CategoryConnector,
		Title:       fmt.Sprintf("Connector %d %s", f.ConnectorID, f.Status),
		Badge:       f.Status,
		Tone:        tone,
	})

	var state session.State
	switch f.Status {
	case "Faulted":
		state = session.StateErrored
		e.events.Record(timeline.Event{
			Key:         fmt.Sprintf("fault:%d:%s:%d", f.ConnectorID, f.ErrorCode, f.TimestampMs),
			TimestampMs: f.TimestampMs,
			Category:    timeline.CategoryFault,
			Title:       fmt.Sprintf("Connector %d fault", f.ConnectorID),
			Subtitle:    f.ErrorCode,
			Tone:        timeline.ToneDanger,
		})
	case "Preparing":
		state = session.StatePending
	case "Finishing":
		state = session.StateFinishing
	default:
		return
	}

	tr := e.reconciler.Observe(session.Observation{
		Source:      session.SourcePush,
		ConnectorID: f.ConnectorID,
		State:       state,
		EventTimeMs: f.TimestampMs,
	})
	if tr.Changed {
		e.recordSessionEvent(tr)
	}
}

func (e *Engine) handleSimulatorState(f *push.SimulatorStateFrame) {
	if f == nil {
		return
	}

	e.mu.Lock()
	e.lifecycleState = f.State
	e.connected = f.Connected
	e.mu.Unlock()

	e.events.Record(timeline.Event{
		Key:         fmt.Sprintf("lifecycle:%s:%d", f.State, f.TimestampMs),
		TimestampMs: f.TimestampMs,
		Category:    timeline.CategoryLifecycle,
		Title:       fmt.Sprintf("Station %s", f.State),
		Badge:       f.State,
	})
}

func (e *Engine) handleHeartbeat(f *push.HeartbeatFrame) {
	if f == nil {
		return
	}
	e.events.Record(timeline.Event{
		Key:         fmt.Sprintf("heartbeat:%d", f.TimestampMs),
		TimestampMs: f.TimestampMs,
		Category:    timeline.CategoryHeartbeat,
		Title:       "Heartbeat",
		Subtitle:    f.StationID,
	})
}

func (e *Engine) handleLogEntry(f *push.LogEntryFrame) {
	if f == nil {
		return
	}
	tone := timeline.ToneInfo
	switch f.Level {
	case "error":
		tone = timeline.ToneDanger
	case "warn", "warning":
		tone = timeline.ToneWarning
	}
	e.events.Record(timeline.Event{
		Key:         fmt.Sprintf("log:%d:%s", f.TimestampMs, f.Level),
		TimestampMs: f.TimestampMs,
		Category:    timeline.CategoryLog,
		Title:       f.Message,
		Badge:       f.Level,
		Tone:        tone,
	})
}

func (e *Engine) handleCommand(frameType push.FrameType, f *push.CommandFrame) {
	if f == nil {
		return
	}
	tone := timeline.ToneWarning
	title := fmt.Sprintf("Command %s retrying", f.Command)
	if frameType == push.FrameCommandFailed {
		tone = timeline.ToneDanger
		title = fmt.Sprintf("Command %s failed", f.Command)
	}
	e.events.Record(timeline.Event{
		Key:         fmt.Sprintf("%s:%s:%d", frameType, f.Command, f.TimestampMs),
		TimestampMs: f.TimestampMs,
		Category:    timeline.CategoryCommand,
		Title:       title,
		Subtitle:    f.Error,
		Badge:       fmt.Sprintf("attempt %d", f.Attempt),
		Tone:        tone,
	})
}

// recordSessionEvent mirrors session transitions into the timeline. Keys
// are derived from the reconciled transaction identity so the push and REST
// renditions of one boundary deduplicate.
func (e *Engine) recordSessionEvent(tr session.Transition) {
	rt := tr.Runtime
	tx := transactionKey(rt)

	if tr.Started {
		e.events.Record(timeline.Event{
			Key:         fmt.Sprintf("session.started:%s", tx),
			TimestampMs: rt.StartedAtMs,
			Category:    timeline.CategorySession,
			Title:       fmt.Sprintf("Connector %d session started", rt.ConnectorID),
			Subtitle:    tx,
			Badge:       string(rt.State),
			Tone:        timeline.ToneSuccess,
		})
		return
	}

	if tr.Completed {
		tone := timeline.ToneSuccess
		if rt.State != session.StateCompleted {
			tone = timeline.ToneDanger
		}
		energy := rt.MeterStopWh - rt.MeterStartWh
		if energy < 0 {
			energy = 0
		}
		e.events.Record(timeline.Event{
			Key:         fmt.Sprintf("session.stopped:%s", tx),
			TimestampMs: rt.CompletedAtMs,
			Category:    timeline.CategorySession,
			Title:       fmt.Sprintf("Connector %d session %s", rt.ConnectorID, rt.State),
			Subtitle:    tx,
			Badge:       string(rt.State),
			Metrics:     map[string]string{"energyKwh": fmt.Sprintf("%.3f", energy/1000.0)},
			Tone:        tone,
		})
	}
}
