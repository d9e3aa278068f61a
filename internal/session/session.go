// Package session implements the per-connection state machine described in
// spec §4.6: INIT → CHALLENGED → AUTH_OK|AUTH_FAIL → ATTACHED → DETACHING →
// CLOSED. It is grounded on the teacher's RepoSession client-register /
// read-pump / write-pump split (internal/server/session.go) and the
// sendInitialState-before-registerClient attach ordering from
// internal/server/websocket.go, generalized to the spec's single-session
// admission and strict pty_ready → pty_output replay → git_status_sync
// attach ordering instead of gitvista's repo-diff broadcast model.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/releash/releashd/internal/auth"
	"github.com/releash/releashd/internal/broadcaster"
	"github.com/releash/releashd/internal/gitprovider"
	"github.com/releash/releashd/internal/ptyhost"
	"github.com/releash/releashd/internal/router"
	"github.com/releash/releashd/internal/wire"
)

const writeWait = 10 * time.Second

// Runtime owns the single-session-at-a-time admission state and wires the
// auth engine, broadcaster, PTY host, and git provider into one connection
// handler at a time (SessionState from spec §3).
type Runtime struct {
	Logger   *slog.Logger
	Token    string
	Limiter  *auth.Limiter
	Bcast    *broadcaster.Broadcaster
	PTY      *ptyhost.Host
	Git      *gitprovider.Provider // nil when no repository is configured
	OnAttach func()                // optional UI-event hook ("pwa-connected")

	// OnComment receives add_comment payloads; the supervisor wires this to
	// the comment store and to re-broadcasting comments_sync.
	OnComment func(wire.AddCommentPayload)

	mu     sync.Mutex
	active bool
}

// HandleConn drives one accepted WebSocket connection through the full
// state machine to completion. It returns once the session has detached.
func (rt *Runtime) HandleConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	ip := hostOnly(remoteAddr)

	// INIT: reject already-blocked peers before sending any challenge.
	if rt.Limiter.IsBlocked(ip) {
		rt.Logger.Info("session: rejecting blocked peer", "ip", ip)
		return
	}

	if !rt.admit() {
		rt.sendError(conn, wire.ErrUnauthorized, "a session is already attached")
		return
	}
	defer rt.release()

	// INIT → CHALLENGED
	challenge, err := auth.GenerateChallenge()
	if err != nil {
		rt.Logger.Error("session: generating challenge", "error", err)
		return
	}
	if err := writeJSON(conn, wire.MustEncode(wire.TagAuthChallenge, wire.AuthChallengePayload{Challenge: challenge})); err != nil {
		rt.Logger.Warn("session: sending challenge", "error", err)
		return
	}

	// CHALLENGED → AUTH_OK | AUTH_FAIL
	if !rt.authenticate(conn, ip, challenge) {
		return
	}

	// AUTH_OK: attach the broadcaster, emit initial snapshots in strict
	// order, then hand off to concurrent read/write loops (ATTACHED).
	rt.Bcast.Attach()
	defer rt.Bcast.Detach()

	if rt.OnAttach != nil {
		rt.OnAttach()
	}

	rt.emitInitialState(conn)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.writeLoop(conn)
	}()

	rt.readLoop(conn) // blocks until ATTACHED → DETACHING

	rt.Bcast.Detach()
	wg.Wait()
}

func (rt *Runtime) admit() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.active {
		return false
	}
	rt.active = true
	return true
}

func (rt *Runtime) release() {
	rt.mu.Lock()
	rt.active = false
	rt.mu.Unlock()
}

// authenticate implements §4.2: a 5-second deadline for auth_response, a
// constant-time HMAC check, and failure bookkeeping on every rejection path.
func (rt *Runtime) authenticate(conn *websocket.Conn, ip, challenge string) bool {
	_ = conn.SetReadDeadline(time.Now().Add(auth.ResponseTimeout))
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort deadline clear

	// Binary frames are ignored per §4.1/§6: a stray one during the auth
	// window must not consume the client's one shot at auth_response, so we
	// keep reading (within the same deadline) until a text frame arrives.
	var data []byte
	for {
		messageType, msg, readErr := conn.ReadMessage()
		if readErr != nil {
			rt.failAuth(ip)
			return false
		}
		if messageType != websocket.TextMessage {
			continue
		}
		data = msg
		break
	}

	env, err := wire.Decode(data)
	if err != nil || env.Type != wire.TagAuthResponse {
		rt.failAuth(ip)
		rt.sendAuthResult(conn, false, "protocol violation")
		return false
	}

	var resp wire.AuthResponsePayload
	if err := wire.DecodePayload(env, &resp); err != nil {
		rt.failAuth(ip)
		rt.sendAuthResult(conn, false, "malformed response")
		return false
	}

	if !auth.VerifyHMAC(rt.Token, challenge, resp.HMAC) {
		rt.failAuth(ip)
		rt.sendAuthResult(conn, false, "authentication failed")
		return false
	}

	rt.Limiter.ClearFailures(ip)
	rt.sendAuthResult(conn, true, "")
	return true
}

func (rt *Runtime) failAuth(ip string) {
	rt.Limiter.RecordFailure(ip)
}

func (rt *Runtime) sendAuthResult(conn *websocket.Conn, success bool, message string) {
	env := wire.MustEncode(wire.TagAuthResult, wire.AuthResultPayload{Success: success, Message: message})
	_ = writeJSON(conn, env) // best-effort; session closes regardless on failure
}

// emitInitialState sends, in order, pty_ready + replay (or a one-time
// NO_PTY error), then git_status_sync — matching §5's attach ordering.
func (rt *Runtime) emitInitialState(conn *websocket.Conn) {
	if id, ok := rt.PTY.ActiveID(); ok {
		cols, rows, _ := rt.PTY.Size()
		_ = writeJSON(conn, wire.MustEncode(wire.TagPTYReady, wire.PTYSizePayload{PTYID: id, Cols: cols, Rows: rows}))

		if replay := rt.Bcast.TakePTYOutputBuffer(); replay != "" {
			_ = writeJSON(conn, wire.MustEncode(wire.TagPTYOutput, wire.PTYDataPayload{PTYID: id, Data: replay}))
		}
	} else {
		rt.sendError(conn, wire.ErrNoPTY, "no active PTY")
	}

	if rt.Git != nil {
		if files, err := rt.Git.Status(); err == nil {
			entries := make([]wire.FileEntry, len(files))
			for i, f := range files {
				entries[i] = wire.FileEntry{Path: f.Path, IndexStatus: f.IndexStatus, WorktreeStatus: f.WorktreeStatus}
			}
			_ = writeJSON(conn, wire.MustEncode(wire.TagGitStatusSync, wire.GitStatusSyncPayload{Files: entries}))
		} else {
			rt.Logger.Warn("session: computing initial git status", "error", err)
		}
	}
}

func (rt *Runtime) sendError(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, wire.MustEncode(wire.TagError, wire.ErrorPayload{Code: code, Message: message}))
}

// writeLoop drains the broadcaster's queue to the socket, preserving FIFO
// enqueue order as the client-visible ordering (§5), until Next reports the
// session has detached.
func (rt *Runtime) writeLoop(conn *websocket.Conn) {
	for {
		env, ok := rt.Bcast.Next()
		if !ok {
			return
		}
		if err := writeJSON(conn, env); err != nil {
			rt.Logger.Debug("session: write failed, detaching", "error", err)
			return
		}
	}
}

// readLoop implements the router side of ATTACHED: parse errors are not
// fatal (§4.6) and produce a PARSE_ERROR reply instead of closing.
func (rt *Runtime) readLoop(conn *websocket.Conn) {
	deps := router.Deps{
		Logger: rt.Logger,
		PTY:    rt.PTY,
		Git:    rt.Git,
		PublishStatus: func(files []gitprovider.FileStatus) {
			entries := make([]wire.FileEntry, len(files))
			for i, f := range files {
				entries[i] = wire.FileEntry{Path: f.Path, IndexStatus: f.IndexStatus, WorktreeStatus: f.WorktreeStatus}
			}
			rt.Bcast.TrySend(wire.MustEncode(wire.TagGitStatusSync, wire.GitStatusSyncPayload{Files: entries}), nil)
		},
		OnComment: rt.OnComment,
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return // socket closed or read error: DETACHING
		}
		if messageType != websocket.TextMessage {
			// Binary frames are ignored per §4.1/§6.
			continue
		}

		env, decodeErr := wire.Decode(data)
		if decodeErr != nil {
			rt.Bcast.TrySend(wire.MustEncode(wire.TagError, wire.ErrorPayload{Code: wire.ErrParseError, Message: decodeErr.Error()}), nil)
			continue
		}

		if reply := router.Route(env, deps); reply != nil {
			rt.Bcast.TrySend(*reply, nil)
		}
	}
}

func writeJSON(conn *websocket.Conn, env wire.Envelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("session: setting write deadline: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("session: marshaling envelope: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
