package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/config"
	"github.com/alpinelight/alpine/pkg/device"
	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/logging"
	"github.com/alpinelight/alpine/pkg/session"
	"github.com/alpinelight/alpine/pkg/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config file (TOML)")
	listenAddr := flag.String("listen", ":7600", "UDP listen address")
	identityPath := flag.String("identity", "", "path to persist Ed25519 identity across restarts")
	controllerKey := flag.String("controller-key", "", "base64 Ed25519 public key of the authorized controller (required for privileged ops)")
	deviceID := flag.String("device-id", "alpine-device", "device identifier")
	manufacturer := flag.String("manufacturer", "alpinelight", "manufacturer identifier")
	model := flag.String("model", "reference", "model identifier")
	hardwareRev := flag.String("hardware-rev", "1", "hardware revision")
	firmwareRev := flag.String("firmware-rev", "dev", "firmware revision")
	caps := flag.String("caps", "dimming,rgb,groups", "comma-separated capability names")
	jitter := flag.String("jitter", "hold-last", "jitter policy (hold-last, drop, interpolate)")
	frameInterval := flag.Duration("frame-interval", 25*time.Millisecond, "expected inter-frame spacing (0 disables gap synthesis)")
	stepTimeout := flag.Duration("step-timeout", 0, "per-step handshake deadline (default 5s)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (text, json)")
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		config.ApplyToFlags(cfg)
	}

	logging.Setup(*logLevel, *logFormat)

	creds, err := loadOrCreateIdentity(*identityPath)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	policy, err := stream.ParsePolicy(*jitter)
	if err != nil {
		log.Fatalf("jitter: %v", err)
	}

	cfg := device.Config{
		Identity: envelope.DeviceIdentity{
			DeviceID:       *deviceID,
			ManufacturerID: *manufacturer,
			ModelID:        *model,
			HardwareRev:    *hardwareRev,
			FirmwareRev:    *firmwareRev,
		},
		Capabilities:  splitCaps(*caps),
		Credentials:   creds,
		Session:       session.Config{StepTimeout: *stepTimeout},
		JitterPolicy:  policy,
		FrameInterval: *frameInterval,
		OnFrame: func(f *envelope.Frame) {
			slog.Debug("frame",
				"timestamp_us", f.TimestampUS, "channels", len(f.Channels), "groups", len(f.Groups))
		},
		OnIdentify: func(d time.Duration) {
			slog.Info("identify requested", "duration", d)
		},
	}
	if *controllerKey != "" {
		key, err := crypto.DecodePublicKey(*controllerKey)
		if err != nil {
			log.Fatalf("controller key: %v", err)
		}
		cfg.ControllerKey = key
	}
	cfg.OnRestart = func() {
		slog.Info("restart requested, exiting")
		os.Exit(0)
	}

	d, err := device.New(cfg)
	if err != nil {
		log.Fatalf("device: %v", err)
	}

	slog.Info("device identity", "public_key", crypto.EncodePublicKey(creds.PublicKey))

	errCh := make(chan error, 1)
	go func() { errCh <- d.Serve(*listenAddr) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("serve: %v", err)
		}
	}
	d.Shutdown()
}

func loadOrCreateIdentity(path string) (*crypto.Identity, error) {
	if path == "" {
		return crypto.GenerateIdentity()
	}
	id, err := crypto.LoadIdentity(path)
	if err != nil {
		return nil, err
	}
	if id != nil {
		return id, nil
	}
	id, err = crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveIdentity(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

func splitCaps(s string) envelope.CapabilitySet {
	var out envelope.CapabilitySet
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
