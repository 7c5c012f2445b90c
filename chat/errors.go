package chat

import "errors"

var (
	// ErrConversationNotFound is returned when an operation names a
	// conversation the registry does not know.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrFileTooLarge is returned when a staged attachment exceeds the
	// upload size cap.
	ErrFileTooLarge = errors.New("file exceeds 5 MiB limit")
	// ErrNoUploader is returned when a file attachment is staged without
	// an upload endpoint configured.
	ErrNoUploader = errors.New("no uploader configured")
)
