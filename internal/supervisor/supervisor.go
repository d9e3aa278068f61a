// Package supervisor owns the server's start/stop lifecycle (§4.9):
// detecting the mesh-VPN bind interface, provisioning TLS, validating the
// resulting configuration, and driving the accept loop to completion on
// shutdown. Grounded on the teacher's Server.Start/Shutdown lifecycle
// (internal/server/server.go) generalized from gitvista's mux-of-REST-routes
// shape to this spec's single front door, plus wingthing's daemon-style
// signal handling for the graceful-shutdown path.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/releash/releashd/internal/auth"
	"github.com/releash/releashd/internal/broadcaster"
	"github.com/releash/releashd/internal/commentstore"
	"github.com/releash/releashd/internal/config"
	"github.com/releash/releashd/internal/frontdoor"
	"github.com/releash/releashd/internal/gitprovider"
	"github.com/releash/releashd/internal/netdetect"
	"github.com/releash/releashd/internal/ptyhost"
	"github.com/releash/releashd/internal/session"
	"github.com/releash/releashd/internal/tlsidentity"
	"github.com/releash/releashd/internal/watcher"
	"github.com/releash/releashd/internal/wire"
)

const shutdownGrace = 10 * time.Second

// Options configures a single Supervisor run.
type Options struct {
	Logger     *slog.Logger
	ConfigPath string
	DataDir    string // holds tls/ and comments.db
	PWARoot    string
	RepoRoot   string // "" disables git/watcher wiring
	ShellPath  string // "" disables the PTY host
}

// Handle is the running server's ServerHandle (§3): the bind address and
// the function that tears everything down.
type Handle struct {
	BindAddr string
	stop     func()
}

// Stop fires the shutdown signal and waits for the accept loop to drain,
// matching §4.9's "pending connections drain naturally".
func (h *Handle) Stop() {
	h.stop()
}

// Supervisor enforces "refuse if already running" (§4.9 step 1) across
// repeated Start calls.
type Supervisor struct {
	mu      sync.Mutex
	running bool
}

// Start implements §4.9's five steps: refuse-if-running, VPN detection,
// bind/TLS overwrite, validation, then bind and begin accepting.
func (sv *Supervisor) Start(opts Options) (*Handle, error) {
	sv.mu.Lock()
	if sv.running {
		sv.mu.Unlock()
		return nil, fmt.Errorf("supervisor: already running")
	}
	sv.running = true
	sv.mu.Unlock()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		sv.clearRunning()
		return nil, fmt.Errorf("supervisor: loading config: %w", err)
	}

	iface, err := netdetect.Detect()
	if err != nil {
		sv.clearRunning()
		return nil, fmt.Errorf("supervisor: no mesh-VPN interface found: %w", err)
	}

	cfg.Server.Bind = iface.IP.String()
	cfg.Server.TLS.Enabled = true

	identity, err := tlsidentity.EnsureCert(iface.IP, opts.DataDir)
	if err != nil {
		sv.clearRunning()
		return nil, fmt.Errorf("supervisor: provisioning tls: %w", err)
	}
	cfg.Server.TLS.Cert = identity.CertPath
	cfg.Server.TLS.Key = identity.KeyPath

	if err := config.Validate(cfg); err != nil {
		sv.clearRunning()
		return nil, fmt.Errorf("supervisor: invalid config: %w", err)
	}
	if err := config.Write(opts.ConfigPath, cfg); err != nil {
		sv.clearRunning()
		return nil, fmt.Errorf("supervisor: persisting config: %w", err)
	}

	rt, teardown, err := sv.buildRuntime(opts, cfg)
	if err != nil {
		sv.clearRunning()
		return nil, err
	}

	fd := frontdoor.New(opts.Logger, rt, opts.PWARoot)
	addr := net.JoinHostPort(cfg.Server.Bind, fmt.Sprintf("%d", cfg.Server.Port))
	httpServer := frontdoor.NewServer(addr, fd)

	tlsConfig, err := tlsidentity.LoadServerConfig(identity)
	if err != nil {
		teardown()
		sv.clearRunning()
		return nil, fmt.Errorf("supervisor: loading tls config: %w", err)
	}
	httpServer.TLSConfig = tlsConfig

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		teardown()
		sv.clearRunning()
		return nil, fmt.Errorf("supervisor: binding %s: %w", addr, err)
	}
	tlsLn := tls.NewListener(ln, tlsConfig)

	go func() {
		opts.Logger.Info("releashd: accepting connections", "addr", "https://"+addr)
		if err := httpServer.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error("releashd: serve error", "error", err)
		}
	}()

	stopOnce := sync.Once{}
	handle := &Handle{BindAddr: addr}
	handle.stop = func() {
		stopOnce.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				opts.Logger.Error("releashd: shutdown error", "error", err)
			}
			teardown()
			sv.clearRunning()
		})
	}

	return handle, nil
}

func (sv *Supervisor) clearRunning() {
	sv.mu.Lock()
	sv.running = false
	sv.mu.Unlock()
}

// buildRuntime wires the session runtime together with its optional
// collaborators (PTY, git, watcher, comment store), returning a teardown
// func that releases everything buildRuntime started.
func (sv *Supervisor) buildRuntime(opts Options, cfg config.Config) (*session.Runtime, func(), error) {
	b := broadcaster.New()
	limiter := auth.NewLimiter()

	rt := &session.Runtime{
		Logger:  opts.Logger,
		Token:   cfg.Server.Token,
		Limiter: limiter,
		Bcast:   b,
	}

	var teardowns []func()
	teardown := func() {
		for i := len(teardowns) - 1; i >= 0; i-- {
			teardowns[i]()
		}
	}

	if opts.ShellPath != "" {
		host := ptyhost.New(opts.Logger, b)
		if err := host.Start(opts.ShellPath, 80, 24); err != nil {
			teardown()
			return nil, nil, fmt.Errorf("supervisor: starting pty: %w", err)
		}
		rt.PTY = host
	}

	if opts.RepoRoot != "" {
		git, err := gitprovider.Open(opts.RepoRoot)
		if err != nil {
			teardown()
			return nil, nil, fmt.Errorf("supervisor: opening repository: %w", err)
		}
		rt.Git = git

		w, err := watcher.New(opts.Logger, b, git)
		if err != nil {
			teardown()
			return nil, nil, fmt.Errorf("supervisor: starting watcher: %w", err)
		}
		w.Start()
		teardowns = append(teardowns, w.Stop)
	}

	store, err := commentstore.Open(filepath.Join(opts.DataDir, "comments.db"))
	if err != nil {
		teardown()
		return nil, nil, fmt.Errorf("supervisor: opening comment store: %w", err)
	}
	teardowns = append(teardowns, func() { store.Close() })

	rt.OnComment = func(p wire.AddCommentPayload) {
		if _, err := store.Add(p, nowSeconds()); err != nil {
			opts.Logger.Error("supervisor: persisting comment", "error", err)
			return
		}
		comments, err := store.All()
		if err != nil {
			opts.Logger.Error("supervisor: reading comments", "error", err)
			return
		}
		b.TrySend(wire.MustEncode(wire.TagCommentsSync, wire.CommentsSyncPayload{Comments: comments}), nil)
	}

	return rt, teardown, nil
}

// nowSeconds is the single call site for "current time" in this package, so
// a future alternate clock only needs to change here.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
