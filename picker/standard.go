package picker

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/piecestream/torrent/bitfield"
)

type requester struct {
	peer Peer
	at   time.Time
}

type blockState struct {
	requesters []requester
	received   bool
}

func (b *blockState) requestedBy(p Peer) bool {
	return slices.ContainsFunc(b.requesters, func(r requester) bool { return r.peer == p })
}

func (b *blockState) removeRequester(p Peer) bool {
	i := slices.IndexFunc(b.requesters, func(r requester) bool { return r.peer == p })
	if i == -1 {
		return false
	}
	b.requesters = slices.Delete(b.requesters, i, i+1)
	return true
}

// A piece with blocks requested or received, but not yet both fully received and released by every
// requester.
type activePiece struct {
	index  pieceIndex
	blocks []blockState
	// Total requester entries across blocks.
	requested int
	received  int
	// Peers that have ever requested blocks in this piece.
	peers []Peer
	// Peers that delivered accepted blocks.
	contributors []Peer
}

func (ap *activePiece) complete() bool {
	return ap.received == len(ap.blocks)
}

// Nothing outstanding, and nothing partially received worth keeping.
func (ap *activePiece) idle() bool {
	return ap.requested == 0 && (ap.received == 0 || ap.complete())
}

func (ap *activePiece) hadPeer(p Peer) bool {
	return slices.Contains(ap.peers, p)
}

func addUnique(ps []Peer, p Peer) []Peer {
	if slices.Contains(ps, p) {
		return ps
	}
	return append(ps, p)
}

// Standard is the leaf picker. It tracks every outstanding block request and received block for
// pieces in progress, and opens new pieces in ascending index order. Ordering policies are applied
// by wrappers that restrict the available mask or index range they pass down.
type Standard struct {
	have   *bitfield.BitField
	layout Layout
	// Sorted by index.
	pieces      []*activePiece
	numRequests int
	numReceived int
}

var _ Picker = (*Standard)(nil)

func NewStandard() *Standard {
	return &Standard{have: bitfield.New(0)}
}

func (me *Standard) Initialise(have *bitfield.BitField, layout Layout, requests []ActiveRequest) {
	me.have = have
	me.layout = layout
	me.pieces = nil
	me.numRequests = 0
	me.numReceived = 0
	for _, ar := range requests {
		chunk, err := layout.ChunkIndex(ar.Request)
		panicif.Err(err)
		ap := me.getOrInsert(ar.Index)
		b := &ap.blocks[chunk]
		if b.requestedBy(ar.Peer) {
			continue
		}
		b.requesters = append(b.requesters, requester{ar.Peer, ar.RequestedAt})
		ap.requested++
		ap.peers = addUnique(ap.peers, ar.Peer)
		me.numRequests++
	}
}

func (me *Standard) find(index pieceIndex) (int, bool) {
	return slices.BinarySearchFunc(me.pieces, index, func(ap *activePiece, i pieceIndex) int {
		return cmp.Compare(ap.index, i)
	})
}

func (me *Standard) getOrInsert(index pieceIndex) *activePiece {
	i, ok := me.find(index)
	if ok {
		return me.pieces[i]
	}
	ap := &activePiece{
		index:  index,
		blocks: make([]blockState, me.layout.ChunksInPiece(index)),
	}
	me.pieces = slices.Insert(me.pieces, i, ap)
	return ap
}

func (me *Standard) pruneIdle() {
	me.pieces = slices.DeleteFunc(me.pieces, func(ap *activePiece) bool {
		if !ap.idle() {
			return false
		}
		me.numReceived -= ap.received
		return true
	})
}

func (me *Standard) wanted(index pieceIndex) bool {
	return !me.have.Get(index)
}

func (me *Standard) peerHas(peer Peer, index pieceIndex) bool {
	bf := peer.BitField()
	return bf != nil && index < bf.Len() && bf.Get(index)
}

func (me *Standard) addRequest(ap *activePiece, chunk int, peer Peer) Request {
	b := &ap.blocks[chunk]
	b.requesters = append(b.requesters, requester{peer, timeNow()})
	ap.requested++
	ap.peers = addUnique(ap.peers, peer)
	me.numRequests++
	return me.layout.ChunkRequest(ap.index, chunk)
}

// Requests up to n blocks that nobody holds a request for.
func (me *Standard) takeUnrequested(ap *activePiece, peer Peer, n int, ret []Request) []Request {
	for j := range ap.blocks {
		if n <= 0 {
			break
		}
		b := &ap.blocks[j]
		if b.received || len(b.requesters) != 0 {
			continue
		}
		ret = append(ret, me.addRequest(ap, j, peer))
		n--
	}
	return ret
}

func (me *Standard) IsInteresting(peer Peer, peerPieces *bitfield.BitField) bool {
	if peerPieces == nil || peerPieces.Len() != me.have.Len() {
		return false
	}
	return !peerPieces.Clone().AndNot(me.have).AllFalse()
}

func (me *Standard) PickPiece(
	peer Peer,
	available *bitfield.BitField,
	others []Peer,
	count, start, end int,
) (ret []Request) {
	start, end = me.layout.clampRange(start, end)
	if count <= 0 || start > end || available == nil {
		return nil
	}
	pickable := func(ap *activePiece) bool {
		return ap.index >= start && ap.index <= end && available.Get(ap.index) && me.wanted(ap.index)
	}
	// Finish what this peer started first, then help with other partial pieces.
	for _, ap := range me.pieces {
		if len(ret) >= count {
			return
		}
		if pickable(ap) && ap.hadPeer(peer) {
			ret = me.takeUnrequested(ap, peer, count-len(ret), ret)
		}
	}
	for _, ap := range me.pieces {
		if len(ret) >= count {
			return
		}
		if pickable(ap) {
			ret = me.takeUnrequested(ap, peer, count-len(ret), ret)
		}
	}
	for i := available.FirstTrue(start, end); i != -1 && len(ret) < count; i = available.FirstTrue(i+1, end) {
		if !me.wanted(i) {
			continue
		}
		if _, ok := me.find(i); ok {
			continue
		}
		ret = me.takeUnrequested(me.getOrInsert(i), peer, count-len(ret), ret)
	}
	return
}

func (me *Standard) ContinueExistingRequest(peer Peer, start, end int) g.Option[Request] {
	start, end = me.layout.clampRange(start, end)
	for _, ap := range me.pieces {
		if ap.index < start || ap.index > end || !ap.hadPeer(peer) {
			continue
		}
		if !me.wanted(ap.index) || !me.peerHas(peer, ap.index) {
			continue
		}
		if reqs := me.takeUnrequested(ap, peer, 1, nil); len(reqs) != 0 {
			return g.Some(reqs[0])
		}
	}
	return g.None[Request]()
}

func (me *Standard) ContinueAnyExistingRequest(peer Peer, start, end, maxDuplicates int) g.Option[Request] {
	start, end = me.layout.clampRange(start, end)
	usable := func(ap *activePiece) bool {
		return ap.index >= start && ap.index <= end && me.wanted(ap.index) && me.peerHas(peer, ap.index)
	}
	for _, ap := range me.pieces {
		if !usable(ap) {
			continue
		}
		if reqs := me.takeUnrequested(ap, peer, 1, nil); len(reqs) != 0 {
			return g.Some(reqs[0])
		}
	}
	for _, ap := range me.pieces {
		if !usable(ap) {
			continue
		}
		for j := range ap.blocks {
			b := &ap.blocks[j]
			if b.received || len(b.requesters) == 0 || len(b.requesters) >= maxDuplicates {
				continue
			}
			if b.requestedBy(peer) {
				continue
			}
			return g.Some(me.addRequest(ap, j, peer))
		}
	}
	return g.None[Request]()
}

func (me *Standard) removePeerRequests(ap *activePiece, peer Peer, ret []Request) []Request {
	for j := range ap.blocks {
		if ap.blocks[j].removeRequester(peer) {
			ap.requested--
			me.numRequests--
			ret = append(ret, me.layout.ChunkRequest(ap.index, j))
		}
	}
	return ret
}

func (me *Standard) CancelRequests(peer Peer, start, end int) (ret []Request) {
	for _, ap := range me.pieces {
		if ap.index >= start && ap.index <= end {
			ret = me.removePeerRequests(ap, peer, ret)
		}
	}
	me.pruneIdle()
	return
}

func (me *Standard) AbortRequests(peer Peer) int {
	var n int
	for _, ap := range me.pieces {
		n += len(me.removePeerRequests(ap, peer, nil))
	}
	me.pruneIdle()
	return n
}

func (me *Standard) locate(r Request) (*activePiece, int, error) {
	chunk, err := me.layout.ChunkIndex(r)
	if err != nil {
		return nil, 0, err
	}
	i, ok := me.find(r.Index)
	if !ok {
		return nil, 0, fmt.Errorf("piece %v not active", r.Index)
	}
	return me.pieces[i], chunk, nil
}

func (me *Standard) RequestRejected(peer Peer, r Request) error {
	ap, chunk, err := me.locate(r)
	if err != nil {
		return fmt.Errorf("%w: %v: %v", ErrRequestNotOutstanding, r, err)
	}
	if !ap.blocks[chunk].removeRequester(peer) {
		return fmt.Errorf("%w: %v from %v", ErrRequestNotOutstanding, r, peer)
	}
	ap.requested--
	me.numRequests--
	me.pruneIdle()
	return nil
}

func (me *Standard) ValidatePiece(peer Peer, r Request) (ok, pieceComplete bool, involved []Peer) {
	ap, chunk, err := me.locate(r)
	if err != nil {
		return
	}
	b := &ap.blocks[chunk]
	if !b.removeRequester(peer) {
		return
	}
	ap.requested--
	me.numRequests--
	defer me.pruneIdle()
	if b.received {
		// Another peer's copy of an endgame duplicate arrived first.
		return
	}
	b.received = true
	ap.received++
	me.numReceived++
	ap.contributors = addUnique(ap.contributors, peer)
	ok = true
	if ap.complete() {
		pieceComplete = true
		involved = slices.Clone(ap.contributors)
	}
	return
}

func (me *Standard) CurrentRequestCount() int {
	return me.numRequests
}

func (me *Standard) CurrentReceivedCount() int {
	return me.numReceived
}

func (me *Standard) ExportActiveRequests() (ret []ActiveRequest) {
	for _, ap := range me.pieces {
		for j := range ap.blocks {
			for _, r := range ap.blocks[j].requesters {
				ret = append(ret, ActiveRequest{
					Request:     me.layout.ChunkRequest(ap.index, j),
					Peer:        r.peer,
					RequestedAt: r.at,
				})
			}
		}
	}
	return
}
