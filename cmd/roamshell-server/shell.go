package main

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"unicode/utf8"

	"github.com/postalsys/roamshell/internal/state"
)

// shellSession spawns a shell without a controlling TTY and renders its
// output through a minimal dumb terminal into a FrameState. It is not a
// VT100 emulator: escape sequences pass through as literal runes, since
// FrameState's contract only needs a rune grid, not a faithful rendering.
type shellSession struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	onUpdate func(*state.FrameState)

	mu    sync.Mutex
	frame *state.FrameState
	row   int
	col   int
}

func newShellSession(ctx context.Context, shellPath string, rows, cols int) (*shellSession, error) {
	cmd := exec.CommandContext(ctx, shellPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s := &shellSession{
		cmd:   cmd,
		stdin: stdin,
		frame: state.NewFrameState(rows, cols),
	}
	go s.pump(stdout)
	return s, nil
}

// OnFrameUpdated registers a callback invoked with a snapshot of the
// rendered frame every time shell output changes it. The callback runs on
// the internal read goroutine and must not block.
func (s *shellSession) OnFrameUpdated(fn func(*state.FrameState)) {
	s.onUpdate = fn
}

// WriteKeystrokes forwards client-typed bytes to the shell's stdin.
func (s *shellSession) WriteKeystrokes(b []byte) {
	if len(b) == 0 {
		return
	}
	_, _ = s.stdin.Write(b)
}

func (s *shellSession) Close() error {
	_ = s.stdin.Close()
	_ = s.cmd.Process.Kill()
	return s.cmd.Wait()
}

func (s *shellSession) pump(r io.Reader) {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = s.consume(pending)
		}
		if err != nil {
			return
		}
	}
}

// consume decodes as many complete runes as are available, applies them to
// the frame, and returns the undecoded remainder.
func (s *shellSession) consume(data []byte) []byte {
	s.mu.Lock()
	rows, cols := s.frame.Dimensions()
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			break
		}
		s.applyRune(r, rows, cols)
		data = data[size:]
	}
	snapshot := s.frame.Clone().(*state.FrameState)
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(snapshot)
	}
	return data
}

func (s *shellSession) applyRune(r rune, rows, cols int) {
	switch r {
	case '\n':
		s.row++
		s.col = 0
	case '\r':
		s.col = 0
	case 0x08, 0x7f:
		if s.col > 0 {
			s.col--
		}
	default:
		if r < 0x20 {
			return
		}
		s.frame.SetCell(s.row, s.col, r)
		s.col++
		if s.col >= cols {
			s.col = 0
			s.row++
		}
	}
	if s.row >= rows {
		s.scroll()
		s.row = rows - 1
	}
	s.frame.SetCursor(state.Cursor{Row: s.row, Col: s.col})
}

// scroll shifts every row up by one, the way a real terminal does when
// output reaches the bottom margin.
func (s *shellSession) scroll() {
	rows, cols := s.frame.Dimensions()
	for r := 0; r < rows-1; r++ {
		for c := 0; c < cols; c++ {
			s.frame.SetCell(r, c, s.frame.Cell(r+1, c))
		}
	}
	for c := 0; c < cols; c++ {
		s.frame.SetCell(rows-1, c, ' ')
	}
}
