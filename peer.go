package torrent

import (
	"fmt"

	"github.com/piecestream/torrent/bitfield"
	"github.com/piecestream/torrent/types"
)

// A connected remote peer of a torrent, as the peer manager reports it. The peer's advertised pieces
// are guarded by the torrent's lock, so every picker call sees them consistently.
type Peer struct {
	t      *Torrent
	id     types.PeerID
	addr   string
	pieces *bitfield.BitField
}

var _ types.Peer = (*Peer)(nil)

// Registers a connected peer that has advertised no pieces yet. Requires info.
func (t *Torrent) AddPeer(id types.PeerID, addr string) (*Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.IsSet() {
		return nil, ErrTorrentClosed
	}
	if t.info == nil {
		return nil, invalidOpf("adding peer before info")
	}
	p := &Peer{
		t:      t,
		id:     id,
		addr:   addr,
		pieces: bitfield.New(t.layout.NumPieces()),
	}
	t.peers[p] = struct{}{}
	return p, nil
}

func (p *Peer) String() string {
	return fmt.Sprintf("%v at %v", p.id, p.addr)
}

func (p *Peer) ID() types.PeerID {
	return p.id
}

// Called by pickers with the torrent's lock held.
func (p *Peer) BitField() *bitfield.BitField {
	return p.pieces
}

// Replaces the peer's pieces from a bitfield message payload.
func (p *Peer) SetBitField(b []byte) error {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	bf, err := bitfield.FromBytes(b, p.pieces.Len())
	if err != nil {
		return err
	}
	p.pieces = bf
	return nil
}

func (p *Peer) Have(i pieceIndex) error {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	if i < 0 || i >= p.pieces.Len() {
		return invalidOpf("peer has piece %v of %v", i, p.pieces.Len())
	}
	p.pieces.Set(i, true)
	return nil
}

func (p *Peer) HaveAll() {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	p.pieces.SetAll(true)
}

// Whether the peer has pieces the torrent wants.
func (p *Peer) Interesting() bool {
	p.t.mu.RLock()
	defer p.t.mu.RUnlock()
	return p.t.picker.IsInteresting(p, p.pieces)
}

// Picks up to count new requests to send to the peer, across the whole torrent. When nothing new
// remains, one block outstanding with other peers may be duplicated, up to the client's
// MaxDuplicateRequests copies.
func (p *Peer) Request(count int) (ret []types.Request) {
	t := p.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.requesting() {
		return nil
	}
	if !p.connected() {
		return nil
	}
	last := t.layout.NumPieces() - 1
	for len(ret) < count {
		r := t.picker.ContinueExistingRequest(p, 0, last)
		if !r.Ok {
			break
		}
		ret = append(ret, r.Value)
	}
	if len(ret) < count {
		available := p.pieces.Clone().AndNot(t.completed)
		ret = append(ret, t.picker.PickPiece(p, available, t.otherPeers(p), count-len(ret), 0, last)...)
	}
	if len(ret) == 0 {
		r := t.picker.ContinueAnyExistingRequest(p, 0, last, t.cl.config.MaxDuplicateRequests)
		if r.Ok {
			ret = append(ret, r.Value)
		}
	}
	return
}

func (t *Torrent) otherPeers(not *Peer) (ret []types.Peer) {
	for p := range t.peers {
		if p != not {
			ret = append(ret, p)
		}
	}
	return
}

// Whether the peer is still registered. Stopping the torrent or closing the peer drops it, along
// with everything it had outstanding. Requires the torrent's lock.
func (p *Peer) connected() bool {
	_, ok := p.t.peers[p]
	return ok
}

// Withdraws the peer's requests for pieces in [start, end], for sending cancels.
func (p *Peer) Cancel(start, end pieceIndex) []types.Request {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	if !p.connected() {
		return nil
	}
	return p.t.picker.CancelRequests(p, start, end)
}

// The peer declined a request. A peer dropped by Stop or Close has nothing outstanding to reject.
func (p *Peer) Rejected(r types.Request) error {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	if !p.connected() {
		return invalidOpf("%v rejected %v after being disconnected", p, r)
	}
	return p.t.picker.RequestRejected(p, r)
}

// Disconnects the peer from the torrent, aborting its outstanding requests. Returns how many were
// aborted.
func (p *Peer) Close() int {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	if !p.connected() {
		return 0
	}
	delete(p.t.peers, p)
	return p.t.picker.AbortRequests(p)
}
