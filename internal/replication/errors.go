package replication

import "errors"

var (
	ErrHubClosed      = errors.New("replication hub is closed")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrDigestMismatch = errors.New("frame digest mismatch")
)
