// Package gitprovider exposes the status/file-at-HEAD/stage/unstage surface
// the session and router need (§4.5, §6), built on top of the adapted
// read-only gitcore engine for reads and path-guarded `git` subprocess calls
// for the two mutating operations gitcore deliberately has no writer for.
package gitprovider

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/releash/releashd/internal/gitcore"
	"github.com/releash/releashd/internal/pathguard"
)

// FileStatus mirrors the wire git_status_sync entry shape (§6): statuses are
// drawn from {none, new, modified, deleted, renamed}.
type FileStatus struct {
	Path           string `json:"path"`
	IndexStatus    string `json:"index_status"`
	WorktreeStatus string `json:"worktree_status"`
}

// Provider wraps a single repository working copy.
type Provider struct {
	repo *gitcore.Repository
	root string
}

// Open opens the git repository rooted at path.
func Open(path string) (*Provider, error) {
	repo, err := gitcore.NewRepository(path)
	if err != nil {
		return nil, fmt.Errorf("gitprovider: opening repository: %w", err)
	}
	return &Provider{repo: repo, root: repo.WorkDir()}, nil
}

// Root returns the repository's working directory, used as the path guard root.
func (p *Provider) Root() string { return p.root }

// Status computes the current working-tree status.
func (p *Provider) Status() ([]FileStatus, error) {
	wts, err := gitcore.ComputeWorkingTreeStatus(p.repo)
	if err != nil {
		return nil, fmt.Errorf("gitprovider: computing status: %w", err)
	}

	files := make([]FileStatus, 0, len(wts.Files))
	for _, f := range wts.Files {
		fs := FileStatus{Path: f.Path}
		switch {
		case f.IsUntracked:
			fs.IndexStatus = "none"
			fs.WorktreeStatus = "new"
		default:
			fs.IndexStatus = mapStatus(f.IndexStatus)
			fs.WorktreeStatus = mapStatus(f.WorkStatus)
		}
		files = append(files, fs)
	}
	return files, nil
}

func mapStatus(s string) string {
	switch s {
	case "added":
		return "new"
	case "":
		return "none"
	default:
		return s // "modified", "deleted"
	}
}

// FileAtHEAD returns the content of a repo-relative path as it exists at
// HEAD, or an empty slice if the path doesn't exist there.
func (p *Provider) FileAtHEAD(relPath string) ([]byte, error) {
	data, err := gitcore.FileAtHEAD(p.repo, filepath.ToSlash(relPath))
	if err != nil {
		return []byte{}, nil //nolint:nilerr // missing-at-HEAD collapses to empty per §4.5
	}
	return data, nil
}

// WorktreeContent returns the on-disk content of a repo-relative path, or an
// empty slice if the file does not currently exist.
func (p *Provider) WorktreeContent(relPath string) ([]byte, error) {
	resolved, err := pathguard.Resolve(p.root, relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved) //nolint:gosec // resolved is path-guarded
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("gitprovider: reading %s: %w", relPath, err)
	}
	return data, nil
}

// Stage runs `git add --` for each path, already validated by the caller's
// path guard, and returns an error naming the first path that failed.
func (p *Provider) Stage(paths []string) error {
	return p.runGit("add", paths)
}

// Unstage runs `git reset --` for each path.
func (p *Provider) Unstage(paths []string) error {
	return p.runGit("reset", paths)
}

func (p *Provider) runGit(subcommand string, paths []string) error {
	args := append([]string{subcommand, "--"}, paths...)
	cmd := exec.Command("git", args...) //nolint:gosec // args are repo-relative, path-guarded paths
	cmd.Dir = p.root
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gitprovider: git %s: %w: %s", subcommand, err, stderr.String())
	}
	return nil
}
