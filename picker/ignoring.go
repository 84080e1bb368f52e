package picker

import (
	"github.com/piecestream/torrent/bitfield"
)

// Ignoring hides the pieces set in its mask from the pickers after it. The mask is shared with the
// owner, who may change it between calls.
type Ignoring struct {
	delegate
	mask *bitfield.BitField
}

var _ Wrapper = (*Ignoring)(nil)

func NewIgnoring(next Picker, mask *bitfield.BitField) *Ignoring {
	return &Ignoring{delegate{next}, mask}
}

func WithIgnoring(mask *bitfield.BitField) Layer {
	return func(next Picker) Picker { return NewIgnoring(next, mask) }
}

func (me *Ignoring) Mask() *bitfield.BitField {
	return me.mask
}

func (me *Ignoring) SetMask(mask *bitfield.BitField) {
	me.mask = mask
}

func (me *Ignoring) filter(bf *bitfield.BitField) *bitfield.BitField {
	if bf == nil || me.mask == nil || me.mask.Len() != bf.Len() {
		return bf
	}
	return bf.Clone().AndNot(me.mask)
}

func (me *Ignoring) IsInteresting(peer Peer, peerPieces *bitfield.BitField) bool {
	peerPieces = me.filter(peerPieces)
	if peerPieces == nil || peerPieces.AllFalse() {
		return false
	}
	return me.next.IsInteresting(peer, peerPieces)
}

func (me *Ignoring) PickPiece(
	peer Peer,
	available *bitfield.BitField,
	others []Peer,
	count, start, end int,
) []Request {
	available = me.filter(available)
	if available == nil || available.AllFalse() {
		return nil
	}
	return me.next.PickPiece(peer, available, others, count, start, end)
}
