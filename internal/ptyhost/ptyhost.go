// Package ptyhost is the concrete PTY provider (§1, §4.9): it spawns the
// user's shell under a pseudo-terminal using creack/pty, tracks the
// single active PTY's size, and streams its output through the OSC filter
// into the broadcaster. Grounded on wingthing's internal/egg/server.go
// Session/readPTY shape, trimmed of the sandbox, audit and vterm machinery
// that has no home in this server.
package ptyhost

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/releash/releashd/internal/broadcaster"
	"github.com/releash/releashd/internal/oscfilter"
	"github.com/releash/releashd/internal/wire"
)

const readBufSize = 4096

// Host owns exactly one PTY-backed shell session, matching this server's
// single-PTY-per-process design (SPEC_FULL §11).
type Host struct {
	logger *slog.Logger
	b      *broadcaster.Broadcaster

	mu      sync.Mutex
	ptmx    *os.File
	cmd     *exec.Cmd
	id      uint64
	cols    uint16
	rows    uint16
	active  bool
	filter  *oscfilter.Filter
	chunker *oscfilter.UTF8Chunker
}

// New creates a Host that publishes PTY output through b.
func New(logger *slog.Logger, b *broadcaster.Broadcaster) *Host {
	return &Host{logger: logger, b: b}
}

// Start spawns shellPath as a login shell under a new PTY sized cols x rows.
func (h *Host) Start(shellPath string, cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active {
		return fmt.Errorf("ptyhost: a PTY is already active")
	}

	cmd := exec.Command(shellPath) //nolint:gosec // shellPath is operator-configured, not client-supplied
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return fmt.Errorf("ptyhost: starting pty: %w", err)
	}

	h.ptmx = ptmx
	h.cmd = cmd
	h.id = 1
	h.cols = cols
	h.rows = rows
	h.active = true
	h.filter = &oscfilter.Filter{}
	h.chunker = &oscfilter.UTF8Chunker{}

	go h.readLoop(h.id, ptmx)
	go h.waitLoop(h.id, cmd)

	return nil
}

// ActiveID returns the ID of the currently active PTY and whether one exists.
// This server hosts at most one PTY, so there is no "first key from a map"
// ambiguity (SPEC_FULL §11).
func (h *Host) ActiveID() (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, h.active
}

// Size returns the current terminal dimensions of the active PTY.
func (h *Host) Size() (cols, rows uint16, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows, h.active
}

// Write sends client keystrokes to the PTY identified by id.
func (h *Host) Write(id uint64, data []byte) error {
	h.mu.Lock()
	ptmx, active, curID := h.ptmx, h.active, h.id
	h.mu.Unlock()

	if !active || id != curID {
		return fmt.Errorf("ptyhost: no active PTY with id %d", id)
	}
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("ptyhost: writing to pty: %w", err)
	}
	return nil
}

// Resize applies new dimensions to the active PTY. Per spec §4.5, client
// resize requests are never routed here — this exists for the desktop UI's
// own terminal to stay authoritative over its size.
func (h *Host) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return fmt.Errorf("ptyhost: no active PTY")
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("ptyhost: resizing pty: %w", err)
	}
	h.cols, h.rows = cols, rows
	return nil
}

func (h *Host) readLoop(id uint64, ptmx *os.File) {
	buf := make([]byte, readBufSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			h.publish(id, buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("ptyhost: pty read ended", "error", err)
			}
			return
		}
	}
}

func (h *Host) publish(id uint64, chunk []byte) {
	h.mu.Lock()
	filtered := h.filter.Write(chunk)
	text := h.chunker.Write(filtered)
	h.mu.Unlock()

	if text == "" {
		return
	}

	env, err := wire.Encode(wire.TagPTYOutput, wire.PTYDataPayload{PTYID: id, Data: text})
	if err != nil {
		h.logger.Error("ptyhost: encoding pty_output", "error", err)
		return
	}
	h.b.TrySend(env, []byte(text))
}

func (h *Host) waitLoop(id uint64, cmd *exec.Cmd) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	h.mu.Lock()
	if h.ptmx != nil {
		h.ptmx.Close()
	}
	h.active = false
	h.mu.Unlock()

	code := int32(exitCode)
	payload := wire.PTYExitPayload{PTYID: id, ExitCode: &code}
	env, err := wire.Encode(wire.TagPTYExit, payload)
	if err != nil {
		h.logger.Error("ptyhost: encoding pty_exit", "error", err)
		return
	}
	h.b.TrySend(env, nil)
}
