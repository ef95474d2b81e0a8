package chat

import "errors"

var (
	// ErrConversationNotFound is returned when a conversation does not exist
	// or is not owned by the caller. The two cases are deliberately
	// indistinguishable so ownership is never leaked.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyMessage is returned when the user message is blank after
	// sanitization.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrInvalidStatus is returned for an unknown conversation status in an
	// update request.
	ErrInvalidStatus = errors.New("invalid conversation status")

	// ErrInvalidUpdate is returned when an update request carries an
	// unacceptable field value.
	ErrInvalidUpdate = errors.New("invalid conversation update")
)
