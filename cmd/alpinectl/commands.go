package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/controller"
	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/transport"
)

func opTimeout() time.Duration {
	d, err := time.ParseDuration(flagTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

func pinnedKey() (ed25519.PublicKey, error) {
	if flagDeviceKey == "" {
		return nil, nil
	}
	return crypto.DecodePublicKey(flagDeviceKey)
}

func controllerIdentity() (*crypto.Identity, error) {
	if flagIdentity == "" {
		return crypto.GenerateIdentity()
	}
	id, err := crypto.LoadIdentity(flagIdentity)
	if err != nil {
		return nil, err
	}
	if id != nil {
		return id, nil
	}
	if id, err = crypto.GenerateIdentity(); err != nil {
		return nil, err
	}
	if err := crypto.SaveIdentity(flagIdentity, id); err != nil {
		return nil, err
	}
	return id, nil
}

// connect discovers the device at --addr and opens a session to it.
func connect(ctx context.Context) (*controller.Client, error) {
	conn, err := transport.Dial("", flagAddr)
	if err != nil {
		return nil, err
	}
	key, err := pinnedKey()
	if err != nil {
		conn.Close()
		return nil, err
	}
	identity, _, err := controller.Discover(conn, nil, key, opTimeout())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discover: %w", err)
	}
	id, err := controllerIdentity()
	if err != nil {
		conn.Close()
		return nil, err
	}
	client, err := controller.Connect(ctx, conn, identity, controller.Config{
		Identity:  id,
		DeviceKey: key,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

func withClient(fn func(ctx context.Context, c *controller.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout()+10*time.Second)
		defer cancel()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, c)
	}
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Identify the device without opening a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := transport.Dial("", flagAddr)
			if err != nil {
				return err
			}
			defer conn.Close()
			key, err := pinnedKey()
			if err != nil {
				return err
			}
			identity, caps, err := controller.Discover(conn, nil, key, opTimeout())
			if err != nil {
				return err
			}
			fmt.Printf("device_id:     %s\n", identity.DeviceID)
			fmt.Printf("manufacturer:  %s\n", identity.ManufacturerID)
			fmt.Printf("model:         %s\n", identity.ModelID)
			fmt.Printf("hardware_rev:  %s\n", identity.HardwareRev)
			fmt.Printf("firmware_rev:  %s\n", identity.FirmwareRev)
			fmt.Printf("public_key:    %s\n", crypto.EncodePublicKey(ed25519.PublicKey(identity.PublicKey)))
			fmt.Printf("capabilities:  %s\n", strings.Join(caps, ", "))
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Fetch identity and capabilities over an authenticated session",
		RunE: withClient(func(ctx context.Context, c *controller.Client) error {
			info, err := c.GetInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("device_id:     %s\n", info.Identity.DeviceID)
			fmt.Printf("model:         %s/%s\n", info.Identity.ManufacturerID, info.Identity.ModelID)
			fmt.Printf("firmware_rev:  %s\n", info.Identity.FirmwareRev)
			fmt.Printf("capabilities:  %s\n", strings.Join(info.Capabilities, ", "))
			return nil
		}),
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch the device runtime status",
		RunE: withClient(func(ctx context.Context, c *controller.Client) error {
			st, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("state:     %s\n", st.State)
			fmt.Printf("mode:      %s\n", st.Mode)
			fmt.Printf("uptime:    %s\n", time.Duration(st.UptimeMS)*time.Millisecond)
			fmt.Printf("sessions:  %d\n", st.Sessions)
			if st.LastFrameUS > 0 {
				fmt.Printf("last_frame_us: %d\n", st.LastFrameUS)
			}
			return nil
		}),
	}
}

func identifyCmd() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Flash the device so it can be located physically",
		RunE: withClient(func(ctx context.Context, c *controller.Client) error {
			return c.Identify(ctx, duration)
		}),
	}
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to identify")
	return cmd
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the device (privileged: requires the device to trust our key)",
		RunE: withClient(func(ctx context.Context, c *controller.Client) error {
			if err := c.Restart(ctx); err != nil {
				return err
			}
			fmt.Println("restart acknowledged")
			return nil
		}),
	}
}

func setModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-mode <mode>",
		Short: "Switch the device operating mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *controller.Client) error {
				return c.SetMode(ctx, args[0])
			})(cmd, args)
		},
	}
}

func timeSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "time-sync",
		Short: "Estimate the device clock offset",
		RunE: withClient(func(ctx context.Context, c *controller.Client) error {
			offset, err := c.TimeSync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("offset: %dus\n", offset)
			return nil
		}),
	}
}

func streamCmd() *cobra.Command {
	var (
		channels string
		fps      int
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream a constant frame at a fixed rate",
		RunE: withClient(func(ctx context.Context, c *controller.Client) error {
			values, err := parseChannels(channels)
			if err != nil {
				return err
			}
			if fps <= 0 {
				fps = 40
			}
			ticker := time.NewTicker(time.Second / time.Duration(fps))
			defer ticker.Stop()
			deadline := time.Now().Add(duration)
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
				f := &envelope.Frame{
					ChannelFormat: envelope.FormatU8,
					Channels:      append([]uint16(nil), values...),
				}
				if err := c.SendFrame(f); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&channels, "channels", "255", "comma-separated channel values (0-255)")
	cmd.Flags().IntVar(&fps, "fps", 40, "frames per second")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to stream")
	return cmd
}

func parseChannels(s string) ([]uint16, error) {
	var out []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("channel value %q: %w", part, err)
		}
		out = append(out, uint16(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no channel values")
	}
	return out, nil
}
