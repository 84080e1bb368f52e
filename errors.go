package torrent

import (
	"errors"
	"fmt"

	"github.com/piecestream/torrent/types"
)

// Returned, wrapped, for calls made in a state that doesn't allow them.
var ErrInvalidOperation = types.ErrInvalidOperation

var (
	ErrTorrentClosed    = errors.New("torrent closed")
	ErrClientClosed     = errors.New("client closed")
	ErrMetadataMismatch = errors.New("metadata does not match infohash")
	ErrNoMetadata       = errors.New("no metadata cached")
)

func invalidOpf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}
