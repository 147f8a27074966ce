// Command roamshell-server is the server half of a roamshell session: it
// binds a UDP port in a configured range, prints the MOSH_CONNECT
// handshake line exactly once, and runs the synchronized-state transport
// orchestrator against a minimal shell it spawns for the client.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/roamshell/internal/config"
	"github.com/postalsys/roamshell/internal/connection"
	rcrypto "github.com/postalsys/roamshell/internal/crypto"
	"github.com/postalsys/roamshell/internal/logging"
	"github.com/postalsys/roamshell/internal/metrics"
	"github.com/postalsys/roamshell/internal/orchestrator"
	"github.com/postalsys/roamshell/internal/state"
	"github.com/postalsys/roamshell/internal/syncstream"
	"github.com/postalsys/roamshell/internal/wire"
	"github.com/postalsys/roamshell/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

const (
	displayRows = 24
	displayCols = 80
)

func main() {
	root := &cobra.Command{
		Use:     "roamshell-server",
		Short:   "roamshell server: roaming datagram shell transport (server half)",
		Version: Version,
		RunE:    runServer,
	}
	root.Flags().String("config", "", "path to a YAML config file (optional; defaults apply otherwise)")
	root.Flags().Int("port-low", 0, "override the configured server port range low bound")
	root.Flags().Int("port-high", 0, "override the configured server port range high bound")
	root.Flags().String("shell", defaultShell(), "shell command the server spawns for the session")
	root.Flags().String("log-level", "", "debug|info|warn|error")
	root.Flags().String("log-format", "", "text|json")
	root.AddCommand(setupCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "roamshell-server:", err)
		os.Exit(1)
	}
}

// setupCommand runs the interactive wizard and writes the answers out as a
// YAML config document the server can later be pointed at with --config.
func setupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "interactively generate a config file and a fresh session key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defaults := config.Default()
			ans, err := wizard.Run(defaults.Server.PortLow, defaults.Server.PortHigh, defaults.Prediction.Mode)
			if err != nil {
				return err
			}

			cfg := defaults
			cfg.Server.PortLow = ans.PortLow
			cfg.Server.PortHigh = ans.PortHigh
			cfg.Prediction.Mode = ans.Prediction

			out, _ := cmd.Flags().GetString("output")
			if err := config.Write(out, cfg); err != nil {
				return err
			}

			key, err := wizard.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			fmt.Printf("example session key (regenerated per connection): MOSH_KEY=%s\n", key)
			return nil
		},
	}
	cmd.Flags().String("output", "roamshell.yaml", "path for the generated config file")
	return cmd
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if v, _ := cmd.Flags().GetInt("port-low"); v != 0 {
		cfg.Server.PortLow = v
	}
	if v, _ := cmd.Flags().GetInt("port-high"); v != 0 {
		cfg.Server.PortHigh = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	key, keyB64, err := sessionKey()
	if err != nil {
		return err
	}

	conn, err := connection.Listen(cfg.Server.PortLow, cfg.Server.PortHigh)
	if err != nil {
		return fmt.Errorf("roamshell-server: %w", err)
	}
	defer conn.Close()

	// Printed exactly once; the client's launcher parses this line over
	// its SSH bootstrap channel.
	fmt.Printf("MOSH_CONNECT %d %s\n", conn.LocalPort(), keyB64)

	envelope, err := rcrypto.NewEnvelope(key, rcrypto.ServerToClient)
	if err != nil {
		return fmt.Errorf("roamshell-server: %w", err)
	}

	sh, err := newShellSession(cmd.Context(), mustFlagString(cmd, "shell"), displayRows, displayCols)
	if err != nil {
		return fmt.Errorf("roamshell-server: spawn shell: %w", err)
	}
	defer sh.Close()

	sender := syncstream.NewSender(state.NewFrameState(displayRows, displayCols), cfg.Server.MTU)
	receiver := syncstream.NewReceiver(state.NewByteState(nil), wire.ProtocolVersion)
	m := metrics.Default()

	localUpdates := make(chan state.State, 8)
	sh.OnFrameUpdated(func(f *state.FrameState) {
		select {
		case localUpdates <- f:
		default:
		}
	})

	// keystrokesApplied tracks how much of the client's cumulative,
	// append-only ByteState has already been forwarded to the shell, since
	// each received state carries everything typed so far, not just the
	// newest bytes.
	var keystrokesApplied int

	loop := orchestrator.NewLoop(orchestrator.Config{
		Conn: conn, Envelope: envelope, Sender: sender, Receiver: receiver,
		Metrics: m,
		Logger:  logger,
		Hooks: orchestrator.Hooks{
			OnRemoteState: func(s state.State) {
				bs, ok := s.(*state.ByteState)
				if !ok {
					return
				}
				content := bs.Bytes()
				if len(content) > keystrokesApplied {
					sh.WriteKeystrokes(content[keystrokesApplied:])
					keystrokesApplied = len(content)
				}
			},
			OnStatus: func(st orchestrator.Status) {
				if st == orchestrator.StatusLost {
					logger.Warn("client connection idle past warn threshold")
				} else {
					logger.Info("client connection restored")
				}
			},
			OnFatal: func(err error) {
				logger.Error("session aborted", logging.KeyError, err)
			},
		},
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = loop.Run(ctx, localUpdates)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func mustFlagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

// sessionKey reads MOSH_KEY from the environment if present (the client
// pre-shared it through the SSH bootstrap out of scope here), otherwise
// generates a fresh one for this session.
func sessionKey() ([rcrypto.PresharedKeySize]byte, string, error) {
	var key [rcrypto.PresharedKeySize]byte

	if raw := os.Getenv("MOSH_KEY"); raw != "" {
		decoded, err := base64.RawStdEncoding.DecodeString(raw)
		if err != nil || len(decoded) != rcrypto.PresharedKeySize {
			return key, "", fmt.Errorf("roamshell-server: invalid MOSH_KEY")
		}
		copy(key[:], decoded)
		return key, raw, nil
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, "", fmt.Errorf("roamshell-server: generate key: %w", err)
	}
	return key, base64.RawStdEncoding.EncodeToString(key[:]), nil
}
