package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/alpinelight/alpine/pkg/control"
	"github.com/alpinelight/alpine/pkg/envelope"
)

// GetInfo fetches the device identity and capability set.
func (c *Client) GetInfo(ctx context.Context) (control.InfoResult, error) {
	var info control.InfoResult
	raw, err := c.Call(ctx, control.OpGetInfo, nil)
	if err != nil {
		return info, err
	}
	if err := envelope.Decode(raw, &info); err != nil {
		return info, err
	}
	return info, nil
}

// GetCaps fetches the device capability set.
func (c *Client) GetCaps(ctx context.Context) (envelope.CapabilitySet, error) {
	raw, err := c.Call(ctx, control.OpGetCaps, nil)
	if err != nil {
		return nil, err
	}
	var caps envelope.CapabilitySet
	if err := envelope.Decode(raw, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}

// GetStatus fetches the device's runtime status.
func (c *Client) GetStatus(ctx context.Context) (control.StatusResult, error) {
	var st control.StatusResult
	raw, err := c.Call(ctx, control.OpGetStatus, nil)
	if err != nil {
		return st, err
	}
	if err := envelope.Decode(raw, &st); err != nil {
		return st, err
	}
	return st, nil
}

// Identify asks the device to identify itself physically for d.
func (c *Client) Identify(ctx context.Context, d time.Duration) error {
	payload, err := envelope.RawPayload(&control.IdentifyRequest{
		DurationMS: uint32(d / time.Millisecond),
	})
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, control.OpIdentify, payload)
	return err
}

// SetMode switches the device operating mode.
func (c *Client) SetMode(ctx context.Context, mode string) error {
	payload, err := envelope.RawPayload(&control.SetModeRequest{Mode: mode})
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, control.OpSetMode, payload)
	return err
}

// SetConfig pushes a configuration blob. The operation is privileged and
// carries the controller's long-term signature.
func (c *Client) SetConfig(ctx context.Context, raw cbor.RawMessage) error {
	_, err := c.Call(ctx, control.OpSetConfig, raw)
	return err
}

// Restart asks the device to restart. Privileged; the session will not
// survive the restart.
func (c *Client) Restart(ctx context.Context) error {
	_, err := c.Call(ctx, control.OpRestart, nil)
	return err
}

// TimeSync estimates the device clock offset in microseconds, positive
// when the device clock is ahead, using one round trip and the midpoint
// assumption.
func (c *Client) TimeSync(ctx context.Context) (int64, error) {
	t1 := uint64(time.Now().UnixMicro())
	payload, err := envelope.RawPayload(&control.TimeSyncRequest{ControllerUS: t1})
	if err != nil {
		return 0, err
	}
	raw, err := c.Call(ctx, control.OpTimeSync, payload)
	if err != nil {
		return 0, err
	}
	t3 := uint64(time.Now().UnixMicro())
	var res control.TimeSyncResult
	if err := envelope.Decode(raw, &res); err != nil {
		return 0, err
	}

	mid := int64(t1) + int64(t3-t1)/2
	return int64(res.DeviceUS) - mid, nil
}

// Vendor invokes a vendor-namespaced operation.
func (c *Client) Vendor(ctx context.Context, name string, payload cbor.RawMessage) (cbor.RawMessage, error) {
	if !control.IsVendor(name) {
		name = control.VendorPrefix + name
	}
	if name == control.VendorPrefix {
		return nil, fmt.Errorf("vendor op name required")
	}
	return c.Call(ctx, name, payload)
}
