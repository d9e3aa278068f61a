// Package wire implements the JSON tagged-union envelope exchanged over the
// control WebSocket: every frame is a text frame carrying {"type": "...",
// "payload": {...}}, decoded against a closed set of message tags.
package wire

import (
	"encoding/json"
	"fmt"
)

// Tag is the discriminator carried in every envelope's "type" field.
type Tag string

const (
	TagAuthChallenge       Tag = "auth_challenge"
	TagAuthResponse        Tag = "auth_response"
	TagAuthResult          Tag = "auth_result"
	TagPTYOutput           Tag = "pty_output"
	TagPTYExit             Tag = "pty_exit"
	TagPTYInput            Tag = "pty_input"
	TagPTYResize           Tag = "pty_resize"
	TagPTYReady            Tag = "pty_ready"
	TagGitStatusSync       Tag = "git_status_sync"
	TagFileContentRequest  Tag = "file_content_request"
	TagFileContentResponse Tag = "file_content_response"
	TagFileChange          Tag = "file_change"
	TagGitStatusRequest    Tag = "git_status_request"
	TagGitStage            Tag = "git_stage"
	TagGitUnstage          Tag = "git_unstage"
	TagGitStageResult      Tag = "git_stage_result"
	TagAddComment          Tag = "add_comment"
	TagCommentsSync        Tag = "comments_sync"
	TagError               Tag = "error"
)

// knownTags is the closed set used to reject anything not named in §4.1.
var knownTags = map[Tag]bool{
	TagAuthChallenge: true, TagAuthResponse: true, TagAuthResult: true,
	TagPTYOutput: true, TagPTYExit: true, TagPTYInput: true, TagPTYResize: true, TagPTYReady: true,
	TagGitStatusSync: true, TagFileContentRequest: true, TagFileContentResponse: true,
	TagFileChange: true, TagGitStatusRequest: true, TagGitStage: true, TagGitUnstage: true,
	TagGitStageResult: true, TagAddComment: true, TagCommentsSync: true, TagError: true,
}

// Error codes carried in an error payload.
const (
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrParseError     = "PARSE_ERROR"
	ErrInvalidPath    = "INVALID_PATH"
	ErrNoRepo         = "NO_REPO"
	ErrNoPTY          = "NO_PTY"
	ErrPTYWriteError  = "PTY_WRITE_ERROR"
)

// Envelope is the wire shape of every message: a discriminator plus a raw
// payload that is decoded once the tag is known.
type Envelope struct {
	Type    Tag             `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload shapes, one struct per tag. Optional fields carry omitempty so
// absent values are never serialized as null.

type AuthChallengePayload struct {
	Challenge string `json:"challenge"`
}

type AuthResponsePayload struct {
	HMAC string `json:"hmac"`
}

type AuthResultPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type PTYDataPayload struct {
	PTYID uint64 `json:"pty_id"`
	Data  string `json:"data"`
}

type PTYExitPayload struct {
	PTYID    uint64 `json:"pty_id"`
	ExitCode *int32 `json:"exit_code,omitempty"`
}

type PTYSizePayload struct {
	PTYID uint64 `json:"pty_id"`
	Rows  uint16 `json:"rows"`
	Cols  uint16 `json:"cols"`
}

type FileEntry struct {
	Path            string `json:"path"`
	IndexStatus     string `json:"index_status"`
	WorktreeStatus  string `json:"worktree_status"`
}

type GitStatusSyncPayload struct {
	Files []FileEntry `json:"files"`
}

type FileContentRequestPayload struct {
	Path string `json:"path"`
}

type FileContentResponsePayload struct {
	Path     string `json:"path"`
	Original string `json:"original"`
	Modified string `json:"modified"`
}

type FileChangePayload struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type GitPathsPayload struct {
	Paths []string `json:"paths"`
}

type GitStageResultPayload struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Files   []FileEntry `json:"files,omitempty"`
}

type AddCommentPayload struct {
	FilePath   string `json:"file_path"`
	LineNumber int    `json:"line_number"`
	EndLine    *int   `json:"end_line,omitempty"`
	Content    string `json:"content"`
}

type Comment struct {
	ID         string  `json:"id"`
	FilePath   string  `json:"file_path"`
	LineNumber int     `json:"line_number"`
	EndLine    *int    `json:"end_line,omitempty"`
	Content    string  `json:"content"`
	Status     string  `json:"status"`
	CreatedAt  float64 `json:"created_at"`
}

type CommentsSyncPayload struct {
	Comments []Comment `json:"comments"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds an Envelope for the given tag and payload value.
func Encode(tag Tag, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal payload for %s: %w", tag, err)
	}
	return Envelope{Type: tag, Payload: raw}, nil
}

// MustEncode is Encode but panics on marshal failure; only safe for payload
// types under our own control (no user-supplied field can fail to marshal).
func MustEncode(tag Tag, payload any) Envelope {
	env, err := Encode(tag, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode parses a raw text frame into an Envelope, failing on any tag
// outside the closed set named in §4.1.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if !knownTags[env.Type] {
		return Envelope{}, fmt.Errorf("wire: unknown message type %q", env.Type)
	}
	return env, nil
}

// DecodePayload unmarshals an envelope's raw payload into dst.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("wire: empty payload for %s", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("wire: decode payload for %s: %w", env.Type, err)
	}
	return nil
}
