package picker

import (
	g "github.com/anacrolix/generics"

	"github.com/piecestream/torrent/bitfield"
)

// Forwards every call to next. Embedded by wrappers that only override some methods.
type delegate struct {
	next Picker
}

func (me delegate) Next() Picker {
	return me.next
}

func (me delegate) Initialise(have *bitfield.BitField, layout Layout, requests []ActiveRequest) {
	me.next.Initialise(have, layout, requests)
}

func (me delegate) IsInteresting(peer Peer, peerPieces *bitfield.BitField) bool {
	return me.next.IsInteresting(peer, peerPieces)
}

func (me delegate) PickPiece(peer Peer, available *bitfield.BitField, others []Peer, count, start, end int) []Request {
	return me.next.PickPiece(peer, available, others, count, start, end)
}

func (me delegate) ContinueExistingRequest(peer Peer, start, end int) g.Option[Request] {
	return me.next.ContinueExistingRequest(peer, start, end)
}

func (me delegate) ContinueAnyExistingRequest(peer Peer, start, end, maxDuplicates int) g.Option[Request] {
	return me.next.ContinueAnyExistingRequest(peer, start, end, maxDuplicates)
}

func (me delegate) CancelRequests(peer Peer, start, end int) []Request {
	return me.next.CancelRequests(peer, start, end)
}

func (me delegate) AbortRequests(peer Peer) int {
	return me.next.AbortRequests(peer)
}

func (me delegate) RequestRejected(peer Peer, r Request) error {
	return me.next.RequestRejected(peer, r)
}

func (me delegate) ValidatePiece(peer Peer, r Request) (ok, pieceComplete bool, involved []Peer) {
	return me.next.ValidatePiece(peer, r)
}

func (me delegate) CurrentRequestCount() int {
	return me.next.CurrentRequestCount()
}

func (me delegate) CurrentReceivedCount() int {
	return me.next.CurrentReceivedCount()
}

func (me delegate) ExportActiveRequests() []ActiveRequest {
	return me.next.ExportActiveRequests()
}
