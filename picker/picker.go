// Package picker decides which blocks to request from which peers. Pickers compose by delegation:
// each wrapper owns the next Picker in its chain and adds behaviour around the calls it forwards.
// A chain is not safe for concurrent use; the owning torrent serializes every call.
package picker

import (
	"fmt"
	"time"

	g "github.com/anacrolix/generics"

	"github.com/piecestream/torrent/bitfield"
	"github.com/piecestream/torrent/types"
)

type (
	Request       = types.Request
	ActiveRequest = types.ActiveRequest
	Peer          = types.Peer
	pieceIndex    = types.PieceIndex
)

// Piece index ranges are inclusive at both ends.
type Picker interface {
	// Replaces all state with the given local bitfield, layout and outstanding requests.
	Initialise(have *bitfield.BitField, layout Layout, requests []ActiveRequest)
	// Whether the peer has any piece we still want.
	IsInteresting(peer Peer, peerPieces *bitfield.BitField) bool
	// Selects up to count new requests for pieces set in available, within [start, end]. others
	// are the remaining connected peers, for policies that weigh global demand.
	PickPiece(peer Peer, available *bitfield.BitField, others []Peer, count, start, end int) []Request
	// Issues the next block of a piece the peer already has requests in.
	ContinueExistingRequest(peer Peer, start, end int) g.Option[Request]
	// Issues any block still needed, duplicating requests held by other peers while fewer than
	// maxDuplicates peers hold it. Lowest piece index wins ties.
	ContinueAnyExistingRequest(peer Peer, start, end, maxDuplicates int) g.Option[Request]
	// Withdraws the peer's requests for pieces in [start, end] and returns exactly those.
	CancelRequests(peer Peer, start, end int) []Request
	// Withdraws all the peer's requests, returning how many there were.
	AbortRequests(peer Peer) int
	// The peer declined a request. Returns an error wrapping ErrRequestNotOutstanding if the
	// request wasn't outstanding for the peer.
	RequestRejected(peer Peer, r Request) error
	// Records receipt of a block. ok reports whether the block was accepted. When the block
	// completes its piece, pieceComplete is set and involved lists the peers that delivered blocks
	// for it.
	ValidatePiece(peer Peer, r Request) (ok, pieceComplete bool, involved []Peer)
	CurrentRequestCount() int
	CurrentReceivedCount() int
	ExportActiveRequests() []ActiveRequest
}

// Implemented by pickers that wrap another.
type Wrapper interface {
	Picker
	Next() Picker
}

// Find returns the first picker of type T in the chain starting at p.
func Find[T Picker](p Picker) (ret T, ok bool) {
	for p != nil {
		if ret, ok = p.(T); ok {
			return
		}
		w, isWrapper := p.(Wrapper)
		if !isWrapper {
			break
		}
		p = w.Next()
	}
	return
}

// A Layer wraps the next picker in a chain.
type Layer func(next Picker) Picker

// Chain applies layers to leaf in order: the first layer is innermost, the last outermost and so
// first to see each call.
func Chain(leaf Picker, layers ...Layer) Picker {
	p := leaf
	for _, l := range layers {
		p = l(p)
	}
	return p
}

// Describes a chain for logs, outermost first.
func Describe(p Picker) string {
	var s string
	for p != nil {
		if s != "" {
			s += " -> "
		}
		s += fmt.Sprintf("%T", p)
		w, ok := p.(Wrapper)
		if !ok {
			break
		}
		p = w.Next()
	}
	return s
}

var timeNow = time.Now
