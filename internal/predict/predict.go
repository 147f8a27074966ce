// Package predict implements the client-side local-echo prediction engine:
// a best-effort overlay of speculative cursor and character edits rendered
// ahead of server confirmation, reconciled against the authoritative
// display state as it arrives. Mispredictions invalidate the whole current
// generation of the overlay at once.
package predict

import (
	"time"

	"github.com/postalsys/roamshell/internal/state"
)

// Mode selects when predictions are rendered.
type Mode int

const (
	// Never disables prediction entirely.
	Never Mode = iota
	// Always renders every prediction regardless of observed latency.
	Always
	// Adaptive renders predictions only once observed latency crosses
	// AdaptiveThreshold.
	Adaptive
)

const (
	// AdaptiveThreshold is the SRTT/confirm-latency above which Adaptive
	// mode begins rendering predictions.
	AdaptiveThreshold = 40 * time.Millisecond

	// predictionLifetime bounds how long an unconfirmed prediction is
	// honored before it is treated as wrong.
	predictionLifetime = 1 * time.Second

	// maxGlobalCells bounds the overlay's total size; the oldest
	// prediction is dropped first when the bound is exceeded.
	maxGlobalCells = 40

	// maxPredictedRows bounds how many distinct predicted cursor rows are
	// tracked at once.
	maxPredictedRows = 4

	// defaultFrameInterval is the local-frame tick period graceFrames
	// assumes when converting SRTT/2 into a tentativeUntilFrame count.
	defaultFrameInterval = 10 * time.Millisecond

	// glitchDecayAfter is how many consecutive correct, fast confirmations
	// it takes to fully decay the glitch counter back to zero.
	glitchDecayAfter = 3
)

type cellKey struct{ row, col int }

// cellPrediction is one speculative glyph placed ahead of confirmation.
type cellPrediction struct {
	row, col            int
	glyph               rune
	original            rune
	epoch               int
	tentativeUntilFrame uint64
	expirationTime      time.Time
	predictionTime      time.Time
}

// cursorPrediction is a speculative cursor position.
type cursorPrediction struct {
	pos                 state.Cursor
	epoch               int
	tentativeUntilFrame uint64
	expirationTime      time.Time
	predictionTime      time.Time
}

// Engine overlays speculative edits over a server-confirmed FrameState. It
// is owned and driven entirely by the client's orchestrator goroutine; it
// holds only a read reference to the authoritative state, never mutating
// it.
type Engine struct {
	mode Mode

	rows, cols int
	epoch      int

	order          []cellKey
	cells          map[cellKey]*cellPrediction
	rowCursorCount map[int]int

	cursor *cursorPrediction

	localFrame    uint64
	frameInterval time.Duration
	srtt          time.Duration

	confirmEWMA  time.Duration
	glitches     int
	lineDisabled bool
}

// NewEngine creates a prediction engine for a display of the given
// dimensions, in the given mode.
func NewEngine(mode Mode, rows, cols int) *Engine {
	return &Engine{
		mode:           mode,
		rows:           rows,
		cols:           cols,
		cells:          make(map[cellKey]*cellPrediction),
		rowCursorCount: make(map[int]int),
		frameInterval:  defaultFrameInterval,
		srtt:           AdaptiveThreshold,
	}
}

// SetMode changes the active prediction mode.
func (e *Engine) SetMode(m Mode) { e.mode = m }

// Mode returns the active prediction mode.
func (e *Engine) Mode() Mode { return e.mode }

// Resize updates the known display dimensions, e.g. on a terminal resize.
func (e *Engine) Resize(rows, cols int) {
	e.rows, e.cols = rows, cols
	e.flush()
}

// SetSRTT feeds the connection's current smoothed RTT estimate, used both
// for the grace period and for Adaptive activation.
func (e *Engine) SetSRTT(srtt time.Duration) {
	e.srtt = srtt
}

// Active reports whether predictions should currently be rendered, per
// mode.
func (e *Engine) Active() bool {
	switch e.mode {
	case Always:
		return true
	case Never:
		return false
	default: // Adaptive
		return e.confirmEWMA > AdaptiveThreshold || e.glitches > 0 || e.srtt > AdaptiveThreshold
	}
}

// Tick advances the local-frame counter. The orchestrator calls it once per
// poll-interval timer tick.
func (e *Engine) Tick() {
	e.localFrame++
}

func (e *Engine) graceFrames() uint64 {
	if e.frameInterval <= 0 {
		return 0
	}
	frames := uint64(e.srtt/2/e.frameInterval) + 1
	return frames
}

// OnKeystroke hypothesizes the local effect of one user-typed rune on the
// display and records a prediction. Only printable-like runes are
// predicted; control characters other than CR/LF/backspace flush the
// overlay instead.
func (e *Engine) OnKeystroke(r rune, now time.Time) {
	if !e.Active() {
		return
	}

	switch {
	case r == '\r' || r == '\n':
		e.advanceLine(now)
	case r == 0x7f || r == 0x08:
		e.backspace(now)
	case r < 0x20:
		// Control sequence: our hypotheses are unreliable past this
		// point, so flush rather than guess.
		e.flush()
	default:
		e.insert(r, now)
	}
}

func (e *Engine) cursorPos() state.Cursor {
	if e.cursor != nil {
		return e.cursor.pos
	}
	return state.Cursor{}
}

// SyncCursor seeds the overlay's notion of "current predicted cursor"
// from the authoritative state, called whenever there is no live cursor
// prediction yet (e.g. right after reconciliation clears one).
func (e *Engine) SyncCursor(server *state.FrameState) {
	if e.cursor == nil {
		c := server.CursorPos()
		e.cursor = &cursorPrediction{pos: c}
	}
}

func (e *Engine) insert(r rune, now time.Time) {
	if e.lineDisabled {
		return
	}
	pos := e.cursorPos()
	row, col := pos.Row, pos.Col

	e.addCell(row, col, r, now)

	col++
	if col >= e.cols {
		col = 0
		row++
		if row >= e.rows {
			e.lineDisabled = true
			row = e.rows - 1
		}
	}
	e.setCursor(row, col, now)
}

func (e *Engine) advanceLine(now time.Time) {
	pos := e.cursorPos()
	row := pos.Row + 1
	if row >= e.rows {
		e.lineDisabled = true
		row = e.rows - 1
	}
	e.setCursor(row, 0, now)
}

func (e *Engine) backspace(now time.Time) {
	pos := e.cursorPos()
	col := pos.Col - 1
	row := pos.Row
	if col < 0 {
		return
	}
	delete(e.cells, cellKey{row, col})
	e.setCursor(row, col, now)
}

func (e *Engine) addCell(row, col int, glyph rune, now time.Time) {
	key := cellKey{row, col}
	if _, exists := e.cells[key]; !exists {
		e.order = append(e.order, key)
	}
	e.cells[key] = &cellPrediction{
		row: row, col: col, glyph: glyph,
		epoch:               e.epoch,
		tentativeUntilFrame: e.localFrame + e.graceFrames(),
		expirationTime:      now.Add(predictionLifetime),
		predictionTime:      now,
	}
	e.enforceGlobalBound()
}

func (e *Engine) setCursor(row, col int, now time.Time) {
	e.cursor = &cursorPrediction{
		pos:                 state.Cursor{Row: row, Col: col},
		epoch:               e.epoch,
		tentativeUntilFrame: e.localFrame + e.graceFrames(),
		expirationTime:      now.Add(predictionLifetime),
		predictionTime:      now,
	}
	e.rowCursorCount[row]++
	e.enforceRowBound()
}

func (e *Engine) enforceGlobalBound() {
	for len(e.order) > maxGlobalCells {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.cells, oldest)
	}
}

func (e *Engine) enforceRowBound() {
	if len(e.rowCursorCount) <= maxPredictedRows {
		return
	}
	var oldestRow int
	oldestCount := -1
	for row, count := range e.rowCursorCount {
		if oldestCount < 0 || count < oldestCount {
			oldestRow, oldestCount = row, count
		}
	}
	delete(e.rowCursorCount, oldestRow)
}

func (e *Engine) flush() {
	e.order = nil
	e.cells = make(map[cellKey]*cellPrediction)
	e.cursor = nil
	e.rowCursorCount = make(map[int]int)
	e.lineDisabled = false
}

// Reconcile compares every live prediction against the server state just
// received at serverTime, dropping confirmed predictions, invalidating the
// whole epoch on any mismatch or expiry, and leaving genuinely pending
// predictions untouched.
func (e *Engine) Reconcile(server *state.FrameState, serverTime, now time.Time) {
	wrong := false

	for _, key := range e.order {
		p, ok := e.cells[key]
		if !ok {
			continue
		}
		switch e.classify(p.predictionTime, p.expirationTime, serverTime, now) {
		case outcomeCorrect:
			if server.Cell(p.row, p.col) == p.glyph {
				delete(e.cells, key)
				e.recordConfirm(serverTime.Sub(p.predictionTime))
			} else {
				wrong = true
			}
		case outcomeWrong:
			wrong = true
		case outcomePending:
			// leave it
		}
	}
	e.compactOrder()

	if e.cursor != nil {
		switch e.classify(e.cursor.predictionTime, e.cursor.expirationTime, serverTime, now) {
		case outcomeCorrect:
			if server.CursorPos() == e.cursor.pos {
				e.recordConfirm(serverTime.Sub(e.cursor.predictionTime))
				e.cursor = nil
			} else {
				wrong = true
			}
		case outcomeWrong:
			wrong = true
		}
	}

	if wrong {
		e.epoch++
		e.flush()
		e.recordGlitch()
	}
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeCorrect
	outcomeWrong
)

func (e *Engine) classify(predictionTime, expirationTime, serverTime, now time.Time) outcome {
	if expirationTime.Before(now) {
		return outcomeWrong
	}
	if serverTime.Before(predictionTime) {
		return outcomePending
	}
	return outcomeCorrect
}

func (e *Engine) compactOrder() {
	if len(e.cells) == len(e.order) {
		return
	}
	kept := e.order[:0]
	for _, key := range e.order {
		if _, ok := e.cells[key]; ok {
			kept = append(kept, key)
		}
	}
	e.order = kept
}

// ConfirmLatency records an observed keystroke-to-confirmation latency,
// feeding the Adaptive-mode activation decision.
func (e *Engine) ConfirmLatency(latency time.Duration) {
	e.recordConfirm(latency)
}

func (e *Engine) recordConfirm(latency time.Duration) {
	if latency < 0 {
		return
	}
	if e.confirmEWMA == 0 {
		e.confirmEWMA = latency
	} else {
		e.confirmEWMA = e.confirmEWMA + (latency-e.confirmEWMA)/4
	}
	if e.glitches > 0 && latency <= AdaptiveThreshold {
		e.glitches--
	}
}

func (e *Engine) recordGlitch() {
	e.glitches = glitchDecayAfter
}

// Visible reports whether the cell prediction at (row, col) should be
// rendered right now: it exists, is past its grace period, and belongs to
// the current epoch or an earlier one that was not invalidated (in
// practice, flush() removes stale-epoch entries immediately, so any
// surviving entry is current).
func (e *Engine) Visible(row, col int, now time.Time) (rune, bool) {
	p, ok := e.cells[cellKey{row, col}]
	if !ok {
		return 0, false
	}
	if e.localFrame < p.tentativeUntilFrame && now.Before(p.predictionTime.Add(e.srtt/2)) {
		return 0, false
	}
	return p.glyph, true
}

// VisibleCursor reports the predicted cursor position, if any and visible.
func (e *Engine) VisibleCursor(now time.Time) (state.Cursor, bool) {
	if e.cursor == nil {
		return state.Cursor{}, false
	}
	if e.localFrame < e.cursor.tentativeUntilFrame && now.Before(e.cursor.predictionTime.Add(e.srtt/2)) {
		return state.Cursor{}, false
	}
	return e.cursor.pos, true
}

// Compose renders the overlay on top of server into a new FrameState
// without mutating server.
func (e *Engine) Compose(server *state.FrameState, now time.Time) *state.FrameState {
	out := server.Clone().(*state.FrameState)
	for key := range e.cells {
		if glyph, ok := e.Visible(key.row, key.col, now); ok {
			out.SetCell(key.row, key.col, glyph)
		}
	}
	if pos, ok := e.VisibleCursor(now); ok {
		out.SetCursor(pos)
	}
	return out
}

// Epoch returns the current invalidation generation counter, for metrics.
func (e *Engine) Epoch() int { return e.epoch }

// PendingCells returns the number of live cell predictions, for metrics.
func (e *Engine) PendingCells() int { return len(e.cells) }
