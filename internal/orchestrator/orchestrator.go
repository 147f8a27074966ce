// Package orchestrator drives the session's single event loop: poll the
// socket and local input, tick the sender/receiver/prediction engine, and
// flush the display. It is the only goroutine that ever touches sender,
// receiver, prediction, or connection state; the feeder goroutines that
// block on socket reads and stdin own no shared state of their own, so no
// locking is needed anywhere in the session.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/roamshell/internal/connection"
	"github.com/postalsys/roamshell/internal/crypto"
	"github.com/postalsys/roamshell/internal/fragment"
	"github.com/postalsys/roamshell/internal/logging"
	"github.com/postalsys/roamshell/internal/metrics"
	"github.com/postalsys/roamshell/internal/predict"
	"github.com/postalsys/roamshell/internal/state"
	"github.com/postalsys/roamshell/internal/syncstream"
)

const (
	// WarnThreshold is how long without a heard datagram before the
	// "[connection lost]" banner is shown.
	WarnThreshold = 6 * time.Second

	// StaleThreshold is the advisory staleness threshold.
	StaleThreshold = 60 * time.Second

	// pollInterval bounds how often the loop wakes to re-evaluate pacing,
	// heartbeat, ack, and prediction-epoch deadlines when nothing else is
	// ready; it is at least as fine as the tightest send pacing interval.
	pollInterval = syncstream.SendIntervalMin
)

// Status is a connection health transition surfaced to the caller's
// display.
type Status int

const (
	StatusLost Status = iota
	StatusRestored
)

// Hooks are the caller-supplied callbacks the loop invokes. All are called
// only from the loop goroutine.
type Hooks struct {
	// OnRemoteState is called whenever the receiver's reconstructed state
	// advances, with the newest state as reconstructed by the receiver.
	// The prediction overlay is not applied to it; a caller that runs
	// prediction composes the overlay itself.
	OnRemoteState func(state.State)

	// OnStatus is called on a connection-health transition.
	OnStatus func(Status)

	// OnFatal is called once when the session must terminate: protocol
	// version mismatch or nonce overflow. The loop stops
	// sending but does not itself exit the process.
	OnFatal func(error)
}

// Config assembles the components one Loop drives for one direction pair.
type Config struct {
	Conn     *connection.Connection
	Envelope *crypto.Envelope
	Sender   *syncstream.Sender
	Receiver *syncstream.Receiver

	// Predict is optional: only the client runs prediction.
	Predict *predict.Engine

	// Metrics is optional; when set, the loop refreshes its gauges once
	// per iteration and counts sends and drops as they happen.
	Metrics *metrics.Metrics

	Logger *slog.Logger
	Hooks  Hooks
}

// Loop is the single-goroutine event loop for one roamshell session
// endpoint (client or server; both share this implementation).
type Loop struct {
	cfg    Config
	logger *slog.Logger

	// pacer enforces the minimum interval between non-heartbeat sends;
	// its limit is re-derived from SRTT before every send decision.
	pacer *rate.Limiter

	heartbeatDueAt time.Time
	ackPending     bool
	ackDueAt       time.Time
	warned         bool
	fatal          bool
}

// NewLoop creates a Loop ready to Run.
func NewLoop(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	now := time.Now()
	return &Loop{
		cfg:            cfg,
		logger:         cfg.Logger,
		pacer:          rate.NewLimiter(rate.Every(syncstream.SendIntervalMin), 1),
		heartbeatDueAt: now.Add(syncstream.HeartbeatInterval),
	}
}

// Run blocks until ctx is canceled or an unrecoverable socket error occurs.
// localUpdates carries newly mutated local State values (e.g. a ByteState
// after a keystroke, or a FrameState after new shell output) as they occur;
// send it a value every time the caller's current state changes.
func (l *Loop) Run(ctx context.Context, localUpdates <-chan state.State) error {
	raw := make(chan connection.RawDatagram, 64)
	readErr := make(chan error, 1)
	go func() { readErr <- l.cfg.Conn.ReadLoop(ctx, raw) }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			if errors.Is(err, context.Canceled) {
				return err
			}
			l.logger.Error("socket read loop exited", logging.KeyError, err)
			return err

		case datagram, ok := <-raw:
			if !ok {
				continue
			}
			l.handleDatagram(datagram, time.Now())

		case newState, ok := <-localUpdates:
			if !ok {
				localUpdates = nil
				continue
			}
			l.cfg.Sender.SetCurrentState(newState)

		case <-ticker.C:
			if l.cfg.Predict != nil {
				l.cfg.Predict.Tick()
			}
		}

		now := time.Now()
		l.checkStatus(now)
		l.maybeSend(now)
		l.updateMetrics()
	}
}

// updateMetrics refreshes the per-session gauges once per loop iteration.
func (l *Loop) updateMetrics() {
	m := l.cfg.Metrics
	if m == nil {
		return
	}
	rtt := l.cfg.Conn.RTT()
	m.SRTTMilliseconds.Set(float64(rtt.SRTT().Milliseconds()))
	m.RTTVARMilliseconds.Set(float64(rtt.RTTVAR().Milliseconds()))
	m.PacingIntervalMS.Set(float64(syncstream.PacingInterval(rtt.SRTT()).Milliseconds()))
	m.SentStatesDepth.Set(float64(l.cfg.Sender.SentStatesLen()))
	m.ReceivedStatesDepth.Set(float64(l.cfg.Receiver.ReceivedStatesLen()))
	m.NonceSequence.WithLabelValues(l.cfg.Envelope.Direction().String()).Set(float64(l.cfg.Envelope.SendSequence()))
	if l.cfg.Predict != nil {
		m.PredictionEpoch.Set(float64(l.cfg.Predict.Epoch()))
		m.PredictionCells.Set(float64(l.cfg.Predict.PendingCells()))
	}
}

// countDrop records a dropped datagram by reason.
func (l *Loop) countDrop(reason string) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.DatagramsDropped.WithLabelValues(reason).Inc()
	}
}

func (l *Loop) handleDatagram(raw connection.RawDatagram, now time.Time) {
	plaintext, err := l.cfg.Envelope.Open(raw.Data)
	if err != nil {
		// Authentication failures and replay are silent-drop conditions
		// at the datagram layer.
		if errors.Is(err, crypto.ErrReplay) {
			l.countDrop("replay")
		} else {
			l.countDrop("authentication_failure")
		}
		return
	}

	// An unambiguously authenticating datagram from a new source updates
	// the remembered peer address.
	if l.cfg.Conn.ObserveAuthenticated(raw.Addr) && l.cfg.Metrics != nil {
		l.cfg.Metrics.ConnectionRoamed.Inc()
	}

	header, payload, ok := connection.DecodeHeader(plaintext)
	if !ok {
		l.countDrop("malformed_header")
		return
	}
	l.cfg.Conn.ObserveHeader(header)

	frag, err := fragment.DecodeFragment(payload)
	if err != nil {
		l.countDrop("malformed_fragment")
		return
	}
	if l.cfg.Predict != nil {
		l.cfg.Predict.SetSRTT(l.cfg.Conn.RTT().SRTT())
	}

	result, err := l.cfg.Receiver.OnFragment(now, frag)
	if err != nil {
		if errors.Is(err, syncstream.ErrProtocolVersionMismatch) {
			l.countDrop("protocol_version_mismatch")
			l.fail(err)
		} else {
			l.countDrop("malformed_instruction")
		}
		return
	}

	if result.FragmentDone && l.cfg.Metrics != nil {
		l.cfg.Metrics.InstructionsReceived.Inc()
	}

	if result.FragmentDone {
		l.cfg.Sender.OnAck(result.AckNum)
	}

	if result.NeedsAck {
		l.ackPending = true
		l.ackDueAt = now.Add(syncstream.AckInterval)
	}

	if result.StateAdvanced && l.cfg.Hooks.OnRemoteState != nil {
		l.cfg.Hooks.OnRemoteState(l.cfg.Receiver.GetLatestState())
	}
}

func (l *Loop) fail(err error) {
	if l.fatal {
		return
	}
	l.fatal = true
	if l.cfg.Hooks.OnFatal != nil {
		l.cfg.Hooks.OnFatal(err)
	}
}

func (l *Loop) checkStatus(now time.Time) {
	lastHeard := l.cfg.Conn.LastHeard()
	if lastHeard.IsZero() {
		return
	}
	idle := now.Sub(lastHeard)
	if idle > WarnThreshold {
		if !l.warned {
			l.warned = true
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.ConnectionLost.Inc()
			}
			if l.cfg.Hooks.OnStatus != nil {
				l.cfg.Hooks.OnStatus(StatusLost)
			}
		}
	} else if l.warned {
		l.warned = false
		if l.cfg.Hooks.OnStatus != nil {
			l.cfg.Hooks.OnStatus(StatusRestored)
		}
	}
}

func (l *Loop) maybeSend(now time.Time) {
	if l.fatal {
		return
	}

	l.pacer.SetLimit(rate.Every(syncstream.PacingInterval(l.cfg.Conn.RTT().SRTT())))
	heartbeatDue := now.After(l.heartbeatDueAt)
	ackDue := l.ackPending && !now.Before(l.ackDueAt)

	if !heartbeatDue && !ackDue && !l.pacer.Allow() {
		return
	}

	instr, err := l.cfg.Sender.Tick(now, l.cfg.Receiver.NewestNum(), heartbeatDue || ackDue)
	if err != nil {
		// The sender keeps its history and the instruction is still sent;
		// no reset of the direction is performed here.
		l.logger.Warn("sender history exceeded its hard cap", logging.KeyError, err)
	}
	if instr == nil {
		return
	}

	l.ackPending = false
	l.heartbeatDueAt = now.Add(syncstream.HeartbeatInterval)

	frags, ferr := l.cfg.Sender.MakeFragments(instr)
	if ferr != nil {
		l.logger.Error("fragment instruction", logging.KeyError, ferr)
		return
	}

	if l.cfg.Metrics != nil {
		l.cfg.Metrics.InstructionsSent.Inc()
	}

	header := l.cfg.Conn.NextHeader()
	for _, frag := range frags {
		payload := append(header.Encode(), frag.Encode()...)
		sealed, serr := l.cfg.Envelope.Seal(payload)
		if serr != nil {
			// NonceOverflow is fatal.
			l.fail(serr)
			return
		}
		if werr := l.cfg.Conn.WriteTo(sealed); werr != nil {
			l.logger.Warn("write datagram", logging.KeyError, werr)
			return
		}
	}
}
