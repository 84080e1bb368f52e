package picker

import (
	"slices"

	"github.com/anacrolix/multiless"

	"github.com/piecestream/torrent/bitfield"
)

// RarestFirst offers the next picker the available pieces in groups of increasing availability
// among the other connected peers, so pieces few peers can serve are fetched while they're still
// reachable.
type RarestFirst struct {
	delegate
}

var _ Wrapper = (*RarestFirst)(nil)

func NewRarestFirst(next Picker) *RarestFirst {
	return &RarestFirst{delegate{next}}
}

func WithRarestFirst() Layer {
	return func(next Picker) Picker { return NewRarestFirst(next) }
}

// Availability groups for the pieces set in available within [start, end], rarest first.
func rarityGroups(available *bitfield.BitField, others []Peer, start, end int) (groups []*bitfield.BitField) {
	type candidate struct {
		index        pieceIndex
		availability int
	}
	var cands []candidate
	for i := available.FirstTrue(start, end); i != -1; i = available.FirstTrue(i+1, end) {
		c := candidate{index: i}
		for _, o := range others {
			bf := o.BitField()
			if bf != nil && i < bf.Len() && bf.Get(i) {
				c.availability++
			}
		}
		cands = append(cands, c)
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		return multiless.New().Int(
			a.availability, b.availability,
		).Int(
			a.index, b.index,
		).OrderingInt()
	})
	for i, c := range cands {
		if i == 0 || c.availability != cands[i-1].availability {
			groups = append(groups, bitfield.New(available.Len()))
		}
		groups[len(groups)-1].Set(c.index, true)
	}
	return
}

func (me *RarestFirst) PickPiece(
	peer Peer,
	available *bitfield.BitField,
	others []Peer,
	count, start, end int,
) []Request {
	if available == nil || available.AllFalse() {
		return nil
	}
	var ret []Request
	for _, group := range rarityGroups(available, others, start, end) {
		ret = append(ret, me.next.PickPiece(peer, group, others, count-len(ret), start, end)...)
		if len(ret) >= count {
			break
		}
	}
	return ret
}
