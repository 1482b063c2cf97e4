package replication

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/entitystore/internal/core/world"
)

type FrameKind string

const (
	// KindSnapshot carries the full state; a peer gets one when it connects.
	KindSnapshot FrameKind = "snapshot"
	// KindDelta carries the journal since the previous flush.
	KindDelta FrameKind = "delta"
)

// Frame is the JSON message sent to peers. Digest is the xxhash64 of the
// Changes bytes exactly as they appear in the frame.
//
// Entries are upserts keyed by entity id and component name, so a delta that
// repeats what a snapshot already carried is harmless.
type Frame struct {
	Seq     uint64          `json:"seq"`
	Kind    FrameKind       `json:"kind"`
	World   string          `json:"world"`
	Digest  uint64          `json:"digest"`
	Changes json.RawMessage `json:"changes"`
}

func newFrame(seq uint64, kind FrameKind, worldName string, changes world.Changes) (Frame, error) {
	payload, err := json.Marshal(changes)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding changes: %w", err)
	}
	return Frame{
		Seq:     seq,
		Kind:    kind,
		World:   worldName,
		Digest:  xxhash.Sum64(payload),
		Changes: payload,
	}, nil
}

// DecodeFrame parses a frame and its changes, checking the digest.
func DecodeFrame(data []byte) (Frame, world.Changes, error) {
	var (
		frame   Frame
		changes world.Changes
	)
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, changes, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if sum := xxhash.Sum64(frame.Changes); sum != frame.Digest {
		return frame, changes, fmt.Errorf("%w: got %x, frame says %x", ErrDigestMismatch, sum, frame.Digest)
	}
	if err := json.Unmarshal(frame.Changes, &changes); err != nil {
		return frame, changes, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return frame, changes, nil
}
