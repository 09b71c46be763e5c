package media

import (
	"context"
	"io"
)

// ProgressFunc receives byte-progress callbacks during a transfer.
// total is 0 when the source does not announce a length.
type ProgressFunc func(done, total int64)

// Rendition is one downloadable variant of a media target.
type Rendition struct {
	ID       string `json:"id"`
	Format   string `json:"format,omitempty"`
	Quality  string `json:"quality,omitempty"`
	SizeHint int64  `json:"size_hint,omitempty"`
}

// ProbeResult describes a media target without transferring its bytes.
type ProbeResult struct {
	Title      string      `json:"title"`
	SizeHint   int64       `json:"size_hint,omitempty"`
	Renditions []Rendition `json:"renditions,omitempty"`
}

// Stream is a handle to media bytes in flight. Implementations own the
// underlying resource; Close releases it.
type Stream interface {
	io.ReadCloser

	// Name is a human-readable label for the stream (file name, title).
	Name() string
	// Size is the total byte count, or 0 if unknown.
	Size() int64
}

// Extractor resolves a URL into renditions and fetches their bytes.
//
// Errors crossing this boundary are classified Recoverable or Permanent
// (see errors.go); the dispatcher's retry policy keys off that
// classification, never off ad-hoc error inspection.
type Extractor interface {
	Probe(ctx context.Context, url string) (ProbeResult, error)
	Fetch(ctx context.Context, url string, rendition Rendition, progress ProgressFunc) (Stream, error)
}

// Transport ships a fetched stream to a destination.
type Transport interface {
	Send(ctx context.Context, destination string, s Stream, progress ProgressFunc) (ref string, err error)
}
