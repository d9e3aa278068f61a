// Command releashd is the remote-attach server's entry point: it loads
// config, starts the supervisor, prints a startup summary, and waits for
// SIGINT/SIGTERM to trigger a graceful shutdown. Grounded on cmd/vista's
// flag-based CLI shape, replacing its local/SaaS mode switch with this
// spec's single attach-session mode and its plain banner with a pterm panel
// (pterm is a teacher go.mod dependency the original server never used).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/releash/releashd/internal/supervisor"
	"github.com/releash/releashd/internal/termcolor"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	initLogger()

	repoPath := flag.String("repo", getEnv("RELEASH_REPO", ""), "Path to the git repository to attach to")
	shellPath := flag.String("shell", getEnv("RELEASH_SHELL", defaultShell()), "Shell binary to host under the PTY")
	dataDir := flag.String("data-dir", getEnv("RELEASH_DATA_DIR", defaultDataDir()), "Directory for TLS material and comment storage")
	configPath := flag.String("config", getEnv("RELEASH_CONFIG", ""), "Path to releash.toml (default: <data-dir>/releash.toml)")
	pwaRoot := flag.String("pwa-root", getEnv("RELEASH_PWA_ROOT", "./pwa"), "Directory containing the companion PWA's static assets")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("releashd %s (%s)\n", version, commit)
		os.Exit(0)
	}

	if *configPath == "" {
		*configPath = filepath.Join(*dataDir, "releash.toml")
	}

	sv := &supervisor.Supervisor{}
	handle, err := sv.Start(supervisor.Options{
		Logger:     slog.Default(),
		ConfigPath: *configPath,
		DataDir:    *dataDir,
		PWARoot:    *pwaRoot,
		RepoRoot:   *repoPath,
		ShellPath:  *shellPath,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, pterm.Error.Sprintf("failed to start: %v", err))
		os.Exit(1)
	}

	printStartupPanel(handle.BindAddr, *repoPath, *dataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	slog.Info("releashd: shutdown initiated")
	handle.Stop()
}

func initLogger() {
	level := slog.LevelInfo
	switch getEnv("RELEASH_LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if getEnv("RELEASH_LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./releash-data"
	}
	return filepath.Join(home, ".releash")
}

func printStartupPanel(addr, repoPath, dataDir string) {
	if !termcolor.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("releashd %s listening on https://%s\n", version, addr)
		return
	}

	lines := []string{
		fmt.Sprintf("%s  %s", pterm.Bold.Sprint("version"), version),
		fmt.Sprintf("%s   https://%s", pterm.Bold.Sprint("listen"), addr),
	}
	if repoPath != "" {
		lines = append(lines, fmt.Sprintf("%s     %s", pterm.Bold.Sprint("repo"), repoPath))
	}
	lines = append(lines, fmt.Sprintf("%s     %s", pterm.Bold.Sprint("data"), dataDir))

	panel := pterm.DefaultBox.WithTitle("releashd").WithTitleTopCenter()
	_ = panel.Println(pterm.DefaultBasicText.Sprint(joinLines(lines)))
	pterm.Info.Println("Press Ctrl+C to stop.")
}

func joinLines(lines []string) string {
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return out
}
