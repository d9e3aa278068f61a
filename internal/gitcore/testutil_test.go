package gitcore

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1" //nolint:gosec // Git uses SHA-1 for object hashing
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// setupTestRepo creates a Repository backed by a fresh temporary working
// directory and .git directory, with no commits, refs, or index yet. Callers
// populate state directly (createTree, wireHeadCommit, writeIndexWithEntries,
// writeDiskFile) rather than going through NewRepository, so each test
// exercises exactly the fields ComputeWorkingTreeStatus and flattenTree read.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()

	workDir := t.TempDir()
	gitDir := filepath.Join(workDir, ".git")

	if err := os.MkdirAll(filepath.Join(gitDir, "objects"), 0o755); err != nil {
		t.Fatalf("setupTestRepo: creating objects dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(gitDir, "refs", "heads"), 0o755); err != nil {
		t.Fatalf("setupTestRepo: creating refs dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		t.Fatalf("setupTestRepo: writing HEAD: %v", err)
	}

	return &Repository{
		gitDir:      gitDir,
		workDir:     workDir,
		refs:        make(map[string]Hash),
		commits:     make([]*Commit, 0),
		commitMap:   make(map[Hash]*Commit),
		packIndices: make([]*PackIndex, 0),
	}
}

// createBlob writes content to the repository's object store as a loose blob
// and returns its hash.
func createBlob(t *testing.T, repo *Repository, content []byte) Hash {
	t.Helper()
	return writeLooseObject(t, repo, objectTypeBlob, content)
}

// createTree serializes entries into the git tree wire format, writes it to
// the object store as a loose object, and returns its hash.
func createTree(t *testing.T, repo *Repository, entries []TreeEntry) Hash {
	t.Helper()

	var body bytes.Buffer
	for _, entry := range entries {
		body.WriteString(entry.Mode)
		body.WriteByte(' ')
		body.WriteString(entry.Name)
		body.WriteByte(0)

		raw, err := hex.DecodeString(string(entry.ID))
		if err != nil {
			t.Fatalf("createTree: invalid entry hash %q: %v", entry.ID, err)
		}
		body.Write(raw)
	}

	return writeLooseObject(t, repo, objectTypeTree, body.Bytes())
}

// writeLooseObject zlib-compresses a "<type> <len>\0<content>" object body,
// writes it under repo's objects directory keyed by its SHA-1, and returns
// the resulting hash.
func writeLooseObject(t *testing.T, repo *Repository, objType string, content []byte) Hash {
	t.Helper()

	header := fmt.Sprintf("%s %d\x00", objType, len(content))
	data := append([]byte(header), content...)

	sum := sha1.Sum(data) //nolint:gosec // Git uses SHA-1 for object hashing
	hash := Hash(fmt.Sprintf("%x", sum))

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("writeLooseObject: compressing: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("writeLooseObject: closing zlib writer: %v", err)
	}

	objDir := filepath.Join(repo.gitDir, "objects", string(hash)[:2])
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		t.Fatalf("writeLooseObject: creating object dir: %v", err)
	}
	objPath := filepath.Join(objDir, string(hash)[2:])
	if err := os.WriteFile(objPath, compressed.Bytes(), 0o644); err != nil {
		t.Fatalf("writeLooseObject: writing object: %v", err)
	}

	return hash
}

// wireHeadCommit registers a synthetic commit pointing at treeHash as the
// repository's HEAD, seeding repo.commits/commitMap the way loadObjects would
// after a real traversal. The commit itself is never written to disk — tests
// only need it resolvable through repo.Head() and repo.Commits().
func wireHeadCommit(repo *Repository, treeHash Hash) {
	sum := sha1.Sum([]byte(fmt.Sprintf("synthetic-commit:%s:%d", treeHash, len(repo.commits)))) //nolint:gosec
	commitHash := Hash(fmt.Sprintf("%x", sum))

	commit := &Commit{ID: commitHash, Tree: treeHash}
	repo.commits = append(repo.commits, commit)
	repo.commitMap[commitHash] = commit
	repo.head = commitHash
}

// writeDiskFile writes content to path (relative, slash-separated) inside
// repo's working directory, creating any parent directories it needs.
func writeDiskFile(t *testing.T, repo *Repository, path string, content []byte) {
	t.Helper()

	fullPath := filepath.Join(repo.workDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("writeDiskFile: creating parent dir for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		t.Fatalf("writeDiskFile: writing %s: %v", path, err)
	}
}
