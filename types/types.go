// package types contains types that are used by the picker, the torrent and the streaming packages
// and need to be shared between them.
package types

import (
	"fmt"
	"time"

	"github.com/piecestream/torrent/bitfield"
)

type PieceIndex = int

type ChunkSpec struct {
	Begin, Length int
}

// Request identifies a block: a chunk within a piece. Requests compare by value.
type Request struct {
	Index PieceIndex
	ChunkSpec
}

func NewRequest(index PieceIndex, begin, length int) Request {
	return Request{index, ChunkSpec{begin, length}}
}

func (r Request) String() string {
	return fmt.Sprintf("piece %v, %v bytes at %v", r.Index, r.Length, r.Begin)
}

// Peer is a remote participant in the swarm as seen by request scheduling. Implementations must be
// comparable, as peers key request bookkeeping. Pointer types are the usual choice.
type Peer interface {
	fmt.Stringer
	// The pieces the peer has advertised.
	BitField() *bitfield.BitField
}

// An outstanding Request and who it was sent to.
type ActiveRequest struct {
	Request
	Peer        Peer
	RequestedAt time.Time
}

func (ar ActiveRequest) String() string {
	return fmt.Sprintf("%v to %v at %v", ar.Request, ar.Peer, ar.RequestedAt.Format(time.RFC3339Nano))
}

// Describes the importance of obtaining a particular piece.
type PiecePriority byte

func (pp *PiecePriority) Raise(maybe PiecePriority) bool {
	if maybe > *pp {
		*pp = maybe
		return true
	}
	return false
}

const (
	PiecePriorityNone      PiecePriority = iota // Not wanted. Must be the zero value.
	PiecePriorityNormal                         // Wanted.
	PiecePriorityHigh                           // Wanted a lot.
	PiecePriorityReadahead                      // May be required soon.
	PiecePriorityNow                            // A Stream is reading in this piece. Highest urgency.
)

func (pp PiecePriority) String() string {
	switch pp {
	case PiecePriorityNone:
		return "none"
	case PiecePriorityNormal:
		return "normal"
	case PiecePriorityHigh:
		return "high"
	case PiecePriorityReadahead:
		return "readahead"
	case PiecePriorityNow:
		return "now"
	default:
		return fmt.Sprintf("PiecePriority(%d)", byte(pp))
	}
}
