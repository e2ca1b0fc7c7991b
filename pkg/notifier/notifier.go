// Package notifier contains the core domain types for the Nextcloud activity notifier.
package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Action is the activity type reported by the feed (file_created, file_deleted, ...).
type Action string

// Known file actions. The feed may report others; they pass through unchanged.
const (
	ActionCreated Action = "file_created"
	ActionDeleted Action = "file_deleted"
	ActionChanged Action = "file_changed"
)

// FilesApp is the application namespace of file operations in the activity feed.
const FilesApp = "files"

// Downloadable reports whether the file still exists after the action,
// which is the precondition for downloading it.
func (a Action) Downloadable() bool {
	return a == ActionCreated || a == ActionChanged
}

// FileRef is one file referenced by an activity.
type FileRef struct {
	ID   string
	Path string
}

// Activity is one grouped entry of the remote activity feed.
type Activity struct {
	CreatedAt   time.Time
	User        string    // Acting user identifier
	DisplayName string    // Rich actor name, empty if the feed did not provide one
	Action      Action
	App         string    // Application namespace, "files" for file operations
	Files       []FileRef // In feed order
	ID          int64
}

// Share is a shared path, optionally exposed through a public link.
type Share struct {
	Path string
	URL  string
}

// Field is an additional display value contributed by a metadata resolver.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Event is a single file operation derived from an activity.
type Event struct {
	CreatedAt   time.Time
	User        string
	DisplayName string
	Action      Action
	FileID      string
	FilePath    string
	FileURL     string // Public link to the file, empty if not shared
	FolderURL   string // Public link to the containing folder, empty if not shared
	Fields      []Field
	ActivityID  int64
}

// Key identifies this file operation within its activity. It depends only on
// the event's own fields so every cycle observing the event derives the same key.
func (e *Event) Key() string {
	return fmt.Sprintf("%d_%s_%s", e.ActivityID, e.FileID, e.Action)
}

// FileName returns the last path segment.
func (e *Event) FileName() string {
	return e.FilePath[strings.LastIndex(e.FilePath, "/")+1:]
}

// FileDir returns the path without its last segment.
func (e *Event) FileDir() string {
	idx := strings.LastIndex(e.FilePath, "/")
	if idx < 0 {
		return ""
	}
	return e.FilePath[:idx]
}

// Actor returns the name to show for the acting user.
func (e *Event) Actor() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.User
}
