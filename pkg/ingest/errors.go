package ingest

import "errors"

var (
	// ErrInvalidConfig wraps every processing configuration defect.
	ErrInvalidConfig = errors.New("invalid ingestion config")
	// ErrManifestUnreadable is returned when the manifest stream cannot be read or decoded.
	ErrManifestUnreadable = errors.New("manifest unreadable")
	// ErrSessionRunning is returned when Run is called on a session that already left idle.
	ErrSessionRunning = errors.New("session already started")
	// ErrNoSink is returned when a non dry-run session is built without an upload sink.
	ErrNoSink = errors.New("upload sink required unless dry-run")
	// ErrImageTooLarge is returned when a source image declares more pixels than the configured cap.
	ErrImageTooLarge = errors.New("image dimensions too large")
)
