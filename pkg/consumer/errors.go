package consumer

import "errors"

var (
	// ErrPermanent marks failures that retrying cannot fix (malformed
	// payload, handler bug). Wrap it to short-circuit the retry loop and
	// route the message straight to the dead-letter path.
	ErrPermanent = errors.New("permanent error")

	// ErrSkipMessage tells the pipeline to acknowledge the message without
	// processing it (unknown payload type, duplicate delivery).
	ErrSkipMessage = errors.New("skip message")
)
