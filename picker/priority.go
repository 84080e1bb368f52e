package picker

import (
	"github.com/piecestream/torrent/bitfield"
	"github.com/piecestream/torrent/types"
)

// Priority offers the next picker available pieces grouped by descending piece priority. Pieces with
// PiecePriorityNone are never offered, and don't make a peer interesting.
type Priority struct {
	delegate
	priority func(pieceIndex) types.PiecePriority
}

var _ Wrapper = (*Priority)(nil)

// The priority func is called with the chain's lock held, and must not block.
func NewPriority(next Picker, priority func(pieceIndex) types.PiecePriority) *Priority {
	return &Priority{delegate{next}, priority}
}

func WithPriority(priority func(pieceIndex) types.PiecePriority) Layer {
	return func(next Picker) Picker { return NewPriority(next, priority) }
}

func (me *Priority) piecePriority(i pieceIndex) types.PiecePriority {
	if me.priority == nil {
		return types.PiecePriorityNormal
	}
	return me.priority(i)
}

func (me *Priority) IsInteresting(peer Peer, peerPieces *bitfield.BitField) bool {
	if peerPieces == nil {
		return false
	}
	wanted := peerPieces.Clone()
	peerPieces.IterTrue(func(i int) bool {
		if me.piecePriority(i) == types.PiecePriorityNone {
			wanted.Set(i, false)
		}
		return true
	})
	return !wanted.AllFalse() && me.next.IsInteresting(peer, wanted)
}

func (me *Priority) PickPiece(
	peer Peer,
	available *bitfield.BitField,
	others []Peer,
	count, start, end int,
) []Request {
	if available == nil {
		return nil
	}
	var ret []Request
	var byPriority [types.PiecePriorityNow + 1]*bitfield.BitField
	for i := available.FirstTrue(start, end); i != -1; i = available.FirstTrue(i+1, end) {
		prio := min(me.piecePriority(i), types.PiecePriorityNow)
		if prio == types.PiecePriorityNone {
			continue
		}
		if byPriority[prio] == nil {
			byPriority[prio] = bitfield.New(available.Len())
		}
		byPriority[prio].Set(i, true)
	}
	for prio := types.PiecePriorityNow; prio > types.PiecePriorityNone; prio-- {
		if byPriority[prio] == nil {
			continue
		}
		ret = append(ret, me.next.PickPiece(peer, byPriority[prio], others, count-len(ret), start, end)...)
		if len(ret) >= count {
			break
		}
	}
	return ret
}
