package torrent

import (
	g "github.com/anacrolix/generics"

	"github.com/piecestream/torrent/bitfield"
	"github.com/piecestream/torrent/picker"
	"github.com/piecestream/torrent/types"
)

// Serializes calls into a torrent's picker chain on the torrent's lock. New requests are only issued
// while the torrent is downloading.
type lockedPicker struct {
	t *Torrent
}

var _ picker.Picker = lockedPicker{}

// The torrent's own bitfield and layout are always used, whatever is passed.
func (me lockedPicker) Initialise(_ *bitfield.BitField, _ picker.Layout, requests []types.ActiveRequest) {
	t := me.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.info == nil {
		return
	}
	t.picker.Initialise(t.completed, t.layout, requests)
}

func (me lockedPicker) IsInteresting(peer types.Peer, peerPieces *bitfield.BitField) bool {
	me.t.mu.RLock()
	defer me.t.mu.RUnlock()
	return me.t.info != nil && me.t.picker.IsInteresting(peer, peerPieces)
}

func (me lockedPicker) PickPiece(
	peer types.Peer,
	available *bitfield.BitField,
	others []types.Peer,
	count, start, end int,
) []types.Request {
	me.t.mu.Lock()
	defer me.t.mu.Unlock()
	if !me.t.requesting() {
		return nil
	}
	return me.t.picker.PickPiece(peer, available, others, count, start, end)
}

func (me lockedPicker) ContinueExistingRequest(peer types.Peer, start, end int) g.Option[types.Request] {
	me.t.mu.Lock()
	defer me.t.mu.Unlock()
	if !me.t.requesting() {
		return g.None[types.Request]()
	}
	return me.t.picker.ContinueExistingRequest(peer, start, end)
}

func (me lockedPicker) ContinueAnyExistingRequest(peer types.Peer, start, end, maxDuplicates int) g.Option[types.Request] {
	me.t.mu.Lock()
	defer me.t.mu.Unlock()
	if !me.t.requesting() {
		return g.None[types.Request]()
	}
	return me.t.picker.ContinueAnyExistingRequest(peer, start, end, maxDuplicates)
}

func (me lockedPicker) CancelRequests(peer types.Peer, start, end int) []types.Request {
	me.t.mu.Lock()
	defer me.t.mu.Unlock()
	return me.t.picker.CancelRequests(peer, start, end)
}

func (me lockedPicker) AbortRequests(peer types.Peer) int {
	me.t.mu.Lock()
	defer me.t.mu.Unlock()
	return me.t.picker.AbortRequests(peer)
}

func (me lockedPicker) RequestRejected(peer types.Peer, r types.Request) error {
	me.t.mu.Lock()
	defer me.t.mu.Unlock()
	return me.t.picker.RequestRejected(peer, r)
}

func (me lockedPicker) ValidatePiece(peer types.Peer, r types.Request) (ok, pieceComplete bool, involved []types.Peer) {
	me.t.mu.Lock()
	defer me.t.mu.Unlock()
	return me.t.picker.ValidatePiece(peer, r)
}

func (me lockedPicker) CurrentRequestCount() int {
	me.t.mu.RLock()
	defer me.t.mu.RUnlock()
	return me.t.picker.CurrentRequestCount()
}

func (me lockedPicker) CurrentReceivedCount() int {
	me.t.mu.RLock()
	defer me.t.mu.RUnlock()
	return me.t.picker.CurrentReceivedCount()
}

func (me lockedPicker) ExportActiveRequests() []types.ActiveRequest {
	me.t.mu.RLock()
	defer me.t.mu.RUnlock()
	return me.t.picker.ExportActiveRequests()
}
