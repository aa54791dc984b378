package segment

import "errors"

// Segment store errors.
var (
	ErrNoDir = errors.New("segment directory is required")
)
