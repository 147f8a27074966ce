// Command roamshell-client is the client half of a roamshell session: it
// puts the local terminal into raw mode, replicates user keystrokes to the
// server, and renders the server's replicated framebuffer through the
// local-echo prediction overlay.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/roamshell/internal/config"
	"github.com/postalsys/roamshell/internal/connection"
	rcrypto "github.com/postalsys/roamshell/internal/crypto"
	"github.com/postalsys/roamshell/internal/logging"
	"github.com/postalsys/roamshell/internal/metrics"
	"github.com/postalsys/roamshell/internal/orchestrator"
	"github.com/postalsys/roamshell/internal/predict"
	"github.com/postalsys/roamshell/internal/state"
	"github.com/postalsys/roamshell/internal/syncstream"
	"github.com/postalsys/roamshell/internal/wire"
)

// Version is set at build time via ldflags.
var Version = "dev"

const (
	displayRows = 24
	displayCols = 80
)

func main() {
	root := &cobra.Command{
		Use:     "roamshell-client host port",
		Short:   "roamshell client: roaming datagram shell transport (client half)",
		Version: Version,
		Args:    cobra.ExactArgs(2),
		RunE:    runClient,
	}
	root.Flags().String("config", "", "path to a YAML config file (optional; defaults apply otherwise)")
	root.Flags().String("prediction", "", "override MOSH_PREDICTION_DISPLAY: adaptive|always|never")
	root.Flags().String("log-level", "", "debug|info|warn|error")
	root.Flags().String("log-format", "", "text|json")
	root.Flags().String("log-file", "", "write logs here; without it logs are discarded, since stderr is the terminal display")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "roamshell-client:", err)
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("roamshell-client: invalid port %q: %w", args[1], err)
	}

	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if v, _ := cmd.Flags().GetString("prediction"); v != "" {
		cfg.Prediction.Mode = v
	} else if v := os.Getenv("MOSH_PREDICTION_DISPLAY"); v != "" {
		cfg.Prediction.Mode = v
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

	logWriter, err := logSink(cmd)
	if err != nil {
		return err
	}
	defer logWriter.Close()
	logger := logging.NewWithWriter(cfg.Logging.Level, cfg.Logging.Format, logWriter)

	key, err := readSessionKey()
	if err != nil {
		return err
	}

	conn, err := connection.Dial(fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("roamshell-client: %w", err)
	}
	defer conn.Close()

	envelope, err := rcrypto.NewEnvelope(key, rcrypto.ClientToServer)
	if err != nil {
		return fmt.Errorf("roamshell-client: %w", err)
	}

	tty, err := newTerminal()
	if err != nil {
		return fmt.Errorf("roamshell-client: %w", err)
	}
	defer tty.restore()

	predEngine := predict.NewEngine(predictionMode(cfg.Prediction.Mode), displayRows, displayCols)
	m := metrics.Default()

	sender := syncstream.NewSender(state.NewByteState(nil), cfg.Server.MTU)
	receiver := syncstream.NewReceiver(state.NewFrameState(displayRows, displayCols), wire.ProtocolVersion)

	localUpdates := make(chan state.State, 8)
	keystrokes := state.NewByteState(nil)

	display := newRenderer(displayRows, displayCols)

	loop := orchestrator.NewLoop(orchestrator.Config{
		Conn: conn, Envelope: envelope, Sender: sender, Receiver: receiver,
		Predict: predEngine,
		Metrics: m,
		Logger:  logger,
		Hooks: orchestrator.Hooks{
			OnRemoteState: func(s state.State) {
				fs, ok := s.(*state.FrameState)
				if !ok {
					return
				}
				now := time.Now()
				predEngine.Reconcile(fs, now, now)
				predEngine.SyncCursor(fs)
				composed := predEngine.Compose(fs, now)
				display.Draw(composed)
			},
			OnStatus: func(st orchestrator.Status) {
				display.Notice(st == orchestrator.StatusLost)
			},
			OnFatal: func(err error) {
				logger.Error("session aborted", logging.KeyError, err)
			},
		},
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go pumpKeystrokes(ctx, tty, predEngine, keystrokes, localUpdates)

	err = loop.Run(ctx, localUpdates)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// pumpKeystrokes is the stdin feeder goroutine: it only reads raw bytes and
// posts mutation requests to localUpdates, touching no orchestrator state
// itself. The actual ByteState mutation and keystroke->
// prediction hookup happens here but is then handed off, not shared,
// matching the single-mutator discipline the orchestrator package
// documents for its own feeders.
func pumpKeystrokes(ctx context.Context, t *terminal, pred *predict.Engine, ks *state.ByteState, localUpdates chan<- state.State) {
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := t.in.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		chunk := append([]byte(nil), buf[:n]...)
		ks.Append(chunk)

		now := time.Now()
		for _, r := range string(chunk) {
			pred.OnKeystroke(r, now)
		}

		next := state.NewByteState(ks.Bytes())
		select {
		case localUpdates <- next:
		case <-ctx.Done():
			return
		}
	}
}

func predictionMode(s string) predict.Mode {
	switch strings.ToLower(s) {
	case "always":
		return predict.Always
	case "never":
		return predict.Never
	default:
		return predict.Adaptive
	}
}

func readSessionKey() ([rcrypto.PresharedKeySize]byte, error) {
	var key [rcrypto.PresharedKeySize]byte
	raw := os.Getenv("MOSH_KEY")
	if raw == "" {
		return key, fmt.Errorf("roamshell-client: MOSH_KEY not set in environment")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != rcrypto.PresharedKeySize {
		return key, fmt.Errorf("roamshell-client: invalid MOSH_KEY")
	}
	copy(key[:], decoded)
	return key, nil
}

func logSink(cmd *cobra.Command) (*os.File, error) {
	path, _ := cmd.Flags().GetString("log-file")
	if path == "" {
		path = os.DevNull
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("roamshell-client: open log file: %w", err)
	}
	return f, nil
}

// terminal wraps the local TTY in raw mode for the duration of a session.
type terminal struct {
	in       *os.File
	fd       int
	oldState *term.State
}

func newTerminal() (*terminal, error) {
	fd := int(os.Stdin.Fd())
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("put terminal in raw mode: %w", err)
	}
	return &terminal{in: os.Stdin, fd: fd, oldState: old}, nil
}

func (t *terminal) restore() {
	_ = term.Restore(t.fd, t.oldState)
}

// renderer is a minimal, non-VT100-faithful display: it redraws the full
// composed frame each time. Faithful terminal rendering is a concern of
// the State implementations, opaque to the transport.
type renderer struct {
	rows, cols int
}

func newRenderer(rows, cols int) *renderer {
	return &renderer{rows: rows, cols: cols}
}

func (r *renderer) Draw(f *state.FrameState) {
	var b strings.Builder
	b.WriteString("\x1b[H")
	rows, cols := f.Dimensions()
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			b.WriteRune(f.Cell(row, col))
		}
		b.WriteString("\x1b[K\r\n")
	}
	cur := f.CursorPos()
	fmt.Fprintf(&b, "\x1b[%d;%dH", cur.Row+1, cur.Col+1)
	os.Stdout.WriteString(b.String())
}

// Notice prints a status-line banner using go-humanize for elapsed-time
// formatting, mirroring mosh's "[connection lost, ...]" indicator.
func (r *renderer) Notice(lost bool) {
	if !lost {
		return
	}
	since := humanize.Time(time.Now().Add(-orchestrator.WarnThreshold))
	fmt.Fprintf(os.Stderr, "\x1b[31m[roamshell: connection idle since %s]\x1b[0m\r\n", since)
}
