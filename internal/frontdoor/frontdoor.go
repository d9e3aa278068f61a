// Package frontdoor is the single HTTP/WS entrypoint described in §4.7: it
// accepts a TCP connection, optionally wrapped in TLS, and demultiplexes
// between a WebSocket upgrade (handed off to the session runtime) and a
// static GET for the companion PWA's assets. Grounded on the teacher's
// server.go route table and websocket.go upgrade handler, collapsed from
// gitvista's multi-route REST API down to this spec's two-way split.
package frontdoor

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/releash/releashd/internal/pathguard"
	"github.com/releash/releashd/internal/session"
)

const (
	readTimeout = 15 * time.Second
	idleTimeout = 120 * time.Second
	shellName   = "pwa.html"
)

// extToMIME is the small extension table called for in §4.7; anything not
// listed here serves as application/octet-stream.
var extToMIME = map[string]string{
	".html":  "text/html; charset=utf-8",
	".js":    "application/javascript; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".ico":   "image/x-icon",
	".woff2": "font/woff2",
}

// upgrader allows all origins: this server is reached only via the detected
// mesh-VPN interface or localhost, never the open internet (§4.9).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// FrontDoor is the http.Handler that implements the WS-vs-static split.
type FrontDoor struct {
	Logger  *slog.Logger
	Runtime *session.Runtime
	PWARoot string
}

// New constructs a FrontDoor serving pwaRoot and handing WS upgrades to rt.
func New(logger *slog.Logger, rt *session.Runtime, pwaRoot string) *FrontDoor {
	return &FrontDoor{Logger: logger, Runtime: rt, PWARoot: pwaRoot}
}

func (f *FrontDoor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		f.handleUpgrade(w, r)
		return
	}
	f.serveStatic(w, r)
}

func (f *FrontDoor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.Logger.Warn("frontdoor: websocket upgrade failed", "error", err)
		return
	}
	go f.Runtime.HandleConn(conn, r.RemoteAddr)
}

// serveStatic implements the PWA-directory rules from §4.7: "/" maps to the
// app shell, other paths resolve under the root with traversal defense, and
// anything unknown or missing falls back to the shell unless the shell
// itself is missing.
func (f *FrontDoor) serveStatic(w http.ResponseWriter, r *http.Request) {
	reqPath := strings.TrimPrefix(r.URL.Path, "/")
	if reqPath == "" {
		f.serveFile(w, shellName)
		return
	}

	abs, err := pathguard.Resolve(f.PWARoot, reqPath)
	if err != nil {
		f.serveShellOrNotFound(w)
		return
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		f.serveShellOrNotFound(w)
		return
	}

	f.writeFile(w, abs)
}

func (f *FrontDoor) serveFile(w http.ResponseWriter, relPath string) {
	abs, err := pathguard.Resolve(f.PWARoot, relPath)
	if err != nil {
		http.NotFound(w, nil)
		return
	}
	if _, err := os.Stat(abs); err != nil {
		http.NotFound(w, nil)
		return
	}
	f.writeFile(w, abs)
}

func (f *FrontDoor) serveShellOrNotFound(w http.ResponseWriter) {
	abs, err := pathguard.Resolve(f.PWARoot, shellName)
	if err != nil {
		http.NotFound(w, nil)
		return
	}
	if _, err := os.Stat(abs); err != nil {
		http.NotFound(w, nil)
		return
	}
	f.writeFile(w, abs)
}

func (f *FrontDoor) writeFile(w http.ResponseWriter, abs string) {
	data, err := os.ReadFile(abs)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeFor(abs))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func mimeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mime, ok := extToMIME[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// NewServer builds the *http.Server that owns the accept loop, using the
// long-request-lifetime settings the teacher applies for its WebSocket
// route (no WriteTimeout, since PTY/WS streams are long-lived).
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}
}
