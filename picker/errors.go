package picker

import (
	"fmt"

	"github.com/piecestream/torrent/types"
)

var ErrRequestNotOutstanding = fmt.Errorf("%w: request not outstanding", types.ErrInvalidOperation)

// InvariantViolation is the panic value used when picker bookkeeping is found inconsistent. It is
// never returned as an error: it signals a broken chain composition or a misbehaving delegate, and
// isn't something a caller can recover from meaningfully.
type InvariantViolation struct {
	Op   string
	Peer Peer
	Msg  string
}

func (me *InvariantViolation) Error() string {
	return fmt.Sprintf("picker invariant violated in %s for peer %v: %s", me.Op, me.Peer, me.Msg)
}

func violatef(op string, peer Peer, format string, args ...any) {
	panic(&InvariantViolation{
		Op:   op,
		Peer: peer,
		Msg:  fmt.Sprintf(format, args...),
	})
}
