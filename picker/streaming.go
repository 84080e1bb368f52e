package picker

import (
	g "github.com/anacrolix/generics"

	"github.com/piecestream/torrent/bitfield"
)

// Streaming biases selection towards a read cursor: the high priority piece first, then the window of
// pieces after it, and only then whatever the next picker prefers across the caller's full range.
// A pass that runs short of count is topped up from the next. Moving the cursor doesn't touch
// outstanding requests.
type Streaming struct {
	delegate
	highPriority g.Option[pieceIndex]
	window       int
}

var _ Wrapper = (*Streaming)(nil)

// window is the number of pieces after the high priority piece to favour.
func NewStreaming(next Picker, window int) *Streaming {
	return &Streaming{
		delegate: delegate{next},
		window:   max(window, 0),
	}
}

func WithStreaming(window int) Layer {
	return func(next Picker) Picker { return NewStreaming(next, window) }
}

func (me *Streaming) SetHighPriority(i pieceIndex) {
	me.highPriority = g.Some(i)
}

func (me *Streaming) ClearHighPriority() {
	me.highPriority.SetNone()
}

func (me *Streaming) HighPriority() g.Option[pieceIndex] {
	return me.highPriority
}

func (me *Streaming) Window() int {
	return me.window
}

// The inclusive sub-ranges to try in order, each already intersected with [start, end].
func (me *Streaming) passes(start, end int) (ret [][2]int) {
	add := func(s, e int) {
		s, e = max(s, start), min(e, end)
		if s <= e {
			ret = append(ret, [2]int{s, e})
		}
	}
	if me.highPriority.Ok {
		hp := me.highPriority.Value
		add(hp, hp)
		if me.window > 0 {
			add(hp+1, hp+me.window)
		}
	}
	add(start, end)
	return
}

func (me *Streaming) PickPiece(
	peer Peer,
	available *bitfield.BitField,
	others []Peer,
	count, start, end int,
) []Request {
	var ret []Request
	for _, r := range me.passes(start, end) {
		ret = append(ret, me.next.PickPiece(peer, available, others, count-len(ret), r[0], r[1])...)
		if len(ret) >= count {
			break
		}
	}
	return ret
}

func (me *Streaming) ContinueExistingRequest(peer Peer, start, end int) g.Option[Request] {
	for _, r := range me.passes(start, end) {
		if req := me.next.ContinueExistingRequest(peer, r[0], r[1]); req.Ok {
			return req
		}
	}
	return g.None[Request]()
}

func (me *Streaming) ContinueAnyExistingRequest(peer Peer, start, end, maxDuplicates int) g.Option[Request] {
	for _, r := range me.passes(start, end) {
		if req := me.next.ContinueAnyExistingRequest(peer, r[0], r[1], maxDuplicates); req.Ok {
			return req
		}
	}
	return g.None[Request]()
}
