package device

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/alpinelight/alpine/pkg/control"
	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/session"
)

func (d *Device) handleGetInfo(_ *session.Session, _ cbor.RawMessage) (cbor.RawMessage, error) {
	return envelope.RawPayload(&control.InfoResult{
		Identity:     d.cfg.Identity,
		Capabilities: d.cfg.Capabilities,
	})
}

func (d *Device) handleGetCaps(_ *session.Session, _ cbor.RawMessage) (cbor.RawMessage, error) {
	return envelope.RawPayload(d.cfg.Capabilities)
}

func (d *Device) handleGetStatus(sess *session.Session, _ cbor.RawMessage) (cbor.RawMessage, error) {
	d.mu.Lock()
	mode := d.mode
	lastRx := d.lastRxUS
	d.mu.Unlock()
	return envelope.RawPayload(&control.StatusResult{
		State:       sess.State().String(),
		Mode:        mode,
		UptimeMS:    uint64(time.Since(d.started) / time.Millisecond),
		Sessions:    d.mgr.Count(),
		LastFrameUS: lastRx,
	})
}

func (d *Device) handleIdentify(_ *session.Session, payload cbor.RawMessage) (cbor.RawMessage, error) {
	var req control.IdentifyRequest
	if len(payload) > 0 {
		if err := envelope.Decode(payload, &req); err != nil {
			return nil, err
		}
	}
	dur := time.Duration(req.DurationMS) * time.Millisecond
	if dur <= 0 {
		dur = 5 * time.Second
	}
	if d.cfg.OnIdentify != nil {
		d.cfg.OnIdentify(dur)
	}
	return nil, nil
}

func (d *Device) handleSetMode(_ *session.Session, payload cbor.RawMessage) (cbor.RawMessage, error) {
	var req control.SetModeRequest
	if err := envelope.Decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Mode == "" {
		return nil, fmt.Errorf("set_mode: empty mode")
	}
	if d.cfg.OnSetMode != nil {
		if err := d.cfg.OnSetMode(req.Mode); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	d.mode = req.Mode
	d.mu.Unlock()
	return nil, nil
}

func (d *Device) handleSetConfig(_ *session.Session, payload cbor.RawMessage) (cbor.RawMessage, error) {
	if d.cfg.OnSetConfig == nil {
		return nil, fmt.Errorf("set_config: not supported")
	}
	if err := d.cfg.OnSetConfig(payload); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Device) handleRestart(_ *session.Session, _ cbor.RawMessage) (cbor.RawMessage, error) {
	if d.cfg.OnRestart != nil {
		// Delay so the reply and ack make it onto the wire first.
		time.AfterFunc(250*time.Millisecond, d.cfg.OnRestart)
	}
	return nil, nil
}

func (d *Device) handleTimeSync(_ *session.Session, payload cbor.RawMessage) (cbor.RawMessage, error) {
	var req control.TimeSyncRequest
	if err := envelope.Decode(payload, &req); err != nil {
		return nil, err
	}
	return envelope.RawPayload(&control.TimeSyncResult{
		ControllerUS: req.ControllerUS,
		DeviceUS:     uint64(time.Now().UnixMicro()),
	})
}
