// Package router implements the pure inbound-message-to-reaction mapping
// described in spec §4.5: given a decoded envelope and the session's
// collaborators, it returns zero or one reply envelope plus whatever
// side effects (PTY write, git stage/unstage, comment dispatch) the
// message calls for. It never touches the network itself.
package router

import (
	"fmt"
	"log/slog"

	"github.com/releash/releashd/internal/gitprovider"
	"github.com/releash/releashd/internal/pathguard"
	"github.com/releash/releashd/internal/ptyhost"
	"github.com/releash/releashd/internal/wire"
)

// Deps bundles the collaborators a routed message may need. Git may be nil
// when no repository is configured; PTY may be nil when none is active.
type Deps struct {
	Logger *slog.Logger
	PTY    *ptyhost.Host
	Git    *gitprovider.Provider

	// PublishStatus is called after a successful stage/unstage so the
	// caller can broadcast the refreshed git_status_sync to all producers,
	// matching §4.5's "re-read status and publish to the broadcaster".
	PublishStatus func(files []gitprovider.FileStatus)

	// OnComment is invoked for add_comment; §4.5 says it is forwarded to
	// the desktop UI as an event with no wire reply, so the session wires
	// this to the comment store and its own comments_sync broadcast.
	OnComment func(wire.AddCommentPayload)
}

// Route maps a single inbound envelope to an optional reply envelope. A nil
// return means no direct reply is produced (side effects may still occur).
func Route(env wire.Envelope, deps Deps) *wire.Envelope {
	switch env.Type {
	case wire.TagPTYInput:
		return routePTYInput(env, deps)
	case wire.TagPTYResize:
		return nil // client resize must not distort the desktop terminal
	case wire.TagGitStatusRequest:
		return routeGitStatusRequest(deps)
	case wire.TagFileContentRequest:
		return routeFileContentRequest(env, deps)
	case wire.TagGitStage:
		return routeStageUnstage(env, deps, true)
	case wire.TagGitUnstage:
		return routeStageUnstage(env, deps, false)
	case wire.TagAddComment:
		return routeAddComment(env, deps)
	default:
		return errorEnvelope(wire.ErrInvalidMessage, fmt.Sprintf("unexpected message type %q", env.Type))
	}
}

func routePTYInput(env wire.Envelope, deps Deps) *wire.Envelope {
	var p wire.PTYDataPayload
	if err := wire.DecodePayload(env, &p); err != nil {
		return errorEnvelope(wire.ErrInvalidMessage, err.Error())
	}
	if deps.PTY == nil {
		return errorEnvelope(wire.ErrPTYWriteError, "no active PTY")
	}
	if err := deps.PTY.Write(p.PTYID, []byte(p.Data)); err != nil {
		return errorEnvelope(wire.ErrPTYWriteError, err.Error())
	}
	return nil
}

func routeGitStatusRequest(deps Deps) *wire.Envelope {
	if deps.Git == nil {
		return errorEnvelope(wire.ErrNoRepo, "no repository configured")
	}
	files, err := deps.Git.Status()
	if err != nil {
		return errorEnvelope(wire.ErrNoRepo, err.Error())
	}
	env := wire.MustEncode(wire.TagGitStatusSync, wire.GitStatusSyncPayload{Files: toFileEntries(files)})
	return &env
}

func routeFileContentRequest(env wire.Envelope, deps Deps) *wire.Envelope {
	var p wire.FileContentRequestPayload
	if err := wire.DecodePayload(env, &p); err != nil {
		return errorEnvelope(wire.ErrInvalidMessage, err.Error())
	}
	if deps.Git == nil {
		return errorEnvelope(wire.ErrNoRepo, "no repository configured")
	}
	if _, err := pathguard.Resolve(deps.Git.Root(), p.Path); err != nil {
		return errorEnvelope(wire.ErrInvalidPath, err.Error())
	}

	original, err := deps.Git.FileAtHEAD(p.Path)
	if err != nil {
		return errorEnvelope(wire.ErrInvalidPath, err.Error())
	}
	modified, err := deps.Git.WorktreeContent(p.Path)
	if err != nil {
		return errorEnvelope(wire.ErrInvalidPath, err.Error())
	}

	reply := wire.MustEncode(wire.TagFileContentResponse, wire.FileContentResponsePayload{
		Path:     p.Path,
		Original: string(original),
		Modified: string(modified),
	})
	return &reply
}

func routeStageUnstage(env wire.Envelope, deps Deps, stage bool) *wire.Envelope {
	var p wire.GitPathsPayload
	if err := wire.DecodePayload(env, &p); err != nil {
		return errorEnvelope(wire.ErrInvalidMessage, err.Error())
	}
	if deps.Git == nil {
		return stageResult(false, nil, "no repository configured")
	}

	for _, path := range p.Paths {
		if _, err := pathguard.Resolve(deps.Git.Root(), path); err != nil {
			return stageResult(false, nil, err.Error())
		}
	}

	var err error
	if stage {
		err = deps.Git.Stage(p.Paths)
	} else {
		err = deps.Git.Unstage(p.Paths)
	}
	if err != nil {
		return stageResult(false, nil, err.Error())
	}

	files, err := deps.Git.Status()
	if err != nil {
		return stageResult(false, nil, err.Error())
	}
	if deps.PublishStatus != nil {
		deps.PublishStatus(files)
	}
	return stageResult(true, files, "")
}

func routeAddComment(env wire.Envelope, deps Deps) *wire.Envelope {
	var p wire.AddCommentPayload
	if err := wire.DecodePayload(env, &p); err != nil {
		return errorEnvelope(wire.ErrInvalidMessage, err.Error())
	}
	if deps.OnComment != nil {
		deps.OnComment(p)
	}
	return nil
}

func stageResult(success bool, files []gitprovider.FileStatus, errMsg string) *wire.Envelope {
	payload := wire.GitStageResultPayload{Success: success, Error: errMsg}
	if files != nil {
		payload.Files = toFileEntries(files)
	}
	env := wire.MustEncode(wire.TagGitStageResult, payload)
	return &env
}

func toFileEntries(files []gitprovider.FileStatus) []wire.FileEntry {
	entries := make([]wire.FileEntry, len(files))
	for i, f := range files {
		entries[i] = wire.FileEntry{Path: f.Path, IndexStatus: f.IndexStatus, WorktreeStatus: f.WorktreeStatus}
	}
	return entries
}

func errorEnvelope(code, message string) *wire.Envelope {
	env := wire.MustEncode(wire.TagError, wire.ErrorPayload{Code: code, Message: message})
	return &env
}
