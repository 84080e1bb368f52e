package torrent

import (
	"github.com/piecestream/torrent/types"
)

// The requests the tracker has recorded for the peer.
func (t *Torrent) LedgerRequests(p types.Peer) (ret []types.Request) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ar := range t.tracker.Ledger(p) {
		ret = append(ret, ar.Request)
	}
	return
}

func (t *Torrent) LedgerLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tracker.LedgerLen()
}
