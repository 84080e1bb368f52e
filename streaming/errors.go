package streaming

import (
	"context"
	"errors"
	"fmt"

	"github.com/piecestream/torrent"
)

var ErrStreamClosed = errors.New("stream closed")

// Returned to waiters released by Provider.Stop. It matches context.Canceled.
var ErrProviderStopped error = providerStopped{}

type providerStopped struct{}

func (providerStopped) Error() string {
	return "provider stopped"
}

func (providerStopped) Is(target error) bool {
	return target == context.Canceled
}

func invalidOpf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", torrent.ErrInvalidOperation, fmt.Sprintf(format, args...))
}
