package picker

import (
	"cmp"
	"slices"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	"github.com/piecestream/torrent/bitfield"
)

// RequestTracker keeps its own ledger of every request the next picker issues, per peer, and checks
// the next picker's bookkeeping against it on every transition. Any disagreement panics with an
// *InvariantViolation. Reporting a rejection or a received block for a request that isn't in the
// ledger panics the same way.
type RequestTracker struct {
	delegate
	ledger map[Peer][]ActiveRequest
	logger log.Logger
}

var _ Wrapper = (*RequestTracker)(nil)

func NewRequestTracker(next Picker, logger log.Logger) *RequestTracker {
	return &RequestTracker{
		delegate: delegate{next},
		ledger:   make(map[Peer][]ActiveRequest),
		logger:   logger.WithNames("picker", "tracker"),
	}
}

func WithRequestTracker(logger log.Logger) Layer {
	return func(next Picker) Picker { return NewRequestTracker(next, logger) }
}

func (me *RequestTracker) logTransition(transition string, peer Peer, r Request) {
	me.logger.Levelf(log.Debug, "transition=%s peer=%v request=%q", transition, peer, r)
}

// A copy of the ledger entries for the peer.
func (me *RequestTracker) Ledger(peer Peer) []ActiveRequest {
	return slices.Clone(me.ledger[peer])
}

// Total ledger entries across all peers.
func (me *RequestTracker) LedgerLen() (n int) {
	for _, ars := range me.ledger {
		n += len(ars)
	}
	return
}

func (me *RequestTracker) record(peer Peer, r Request) {
	me.ledger[peer] = append(me.ledger[peer], ActiveRequest{
		Request:     r,
		Peer:        peer,
		RequestedAt: timeNow(),
	})
	me.logTransition("requested", peer, r)
}

func (me *RequestTracker) remove(op string, peer Peer, r Request) {
	ars := me.ledger[peer]
	i := slices.IndexFunc(ars, func(ar ActiveRequest) bool { return ar.Request == r })
	if i == -1 {
		violatef(op, peer, "request %v not in ledger", r)
	}
	ars = slices.Delete(ars, i, i+1)
	if len(ars) == 0 {
		delete(me.ledger, peer)
	} else {
		me.ledger[peer] = ars
	}
}

func (me *RequestTracker) contains(peer Peer, r Request) bool {
	return slices.ContainsFunc(me.ledger[peer], func(ar ActiveRequest) bool { return ar.Request == r })
}

func (me *RequestTracker) checkCount(op string, peer Peer) {
	if have, want := me.next.CurrentRequestCount(), me.LedgerLen(); have != want {
		violatef(op, peer, "next picker reports %d outstanding requests, ledger has %d", have, want)
	}
}

func (me *RequestTracker) Initialise(have *bitfield.BitField, layout Layout, requests []ActiveRequest) {
	clear(me.ledger)
	me.next.Initialise(have, layout, requests)
	for _, ar := range me.next.ExportActiveRequests() {
		me.ledger[ar.Peer] = append(me.ledger[ar.Peer], ar)
	}
	me.logger.Levelf(log.Debug, "initialised with %d active requests", me.LedgerLen())
	me.checkCount("Initialise", nil)
}

func (me *RequestTracker) PickPiece(
	peer Peer,
	available *bitfield.BitField,
	others []Peer,
	count, start, end int,
) []Request {
	reqs := me.next.PickPiece(peer, available, others, count, start, end)
	for _, r := range reqs {
		if me.contains(peer, r) {
			violatef("PickPiece", peer, "request %v issued twice", r)
		}
		me.record(peer, r)
	}
	me.checkCount("PickPiece", peer)
	return reqs
}

func (me *RequestTracker) continued(op string, peer Peer, req g.Option[Request]) g.Option[Request] {
	if req.Ok {
		if me.contains(peer, req.Value) {
			violatef(op, peer, "request %v issued twice", req.Value)
		}
		me.record(peer, req.Value)
	}
	me.checkCount(op, peer)
	return req
}

func (me *RequestTracker) ContinueExistingRequest(peer Peer, start, end int) g.Option[Request] {
	return me.continued("ContinueExistingRequest", peer, me.next.ContinueExistingRequest(peer, start, end))
}

func (me *RequestTracker) ContinueAnyExistingRequest(peer Peer, start, end, maxDuplicates int) g.Option[Request] {
	return me.continued(
		"ContinueAnyExistingRequest",
		peer,
		me.next.ContinueAnyExistingRequest(peer, start, end, maxDuplicates),
	)
}

func compareRequests(a, b Request) int {
	return cmp.Or(cmp.Compare(a.Index, b.Index), cmp.Compare(a.Begin, b.Begin), cmp.Compare(a.Length, b.Length))
}

func (me *RequestTracker) CancelRequests(peer Peer, start, end int) []Request {
	var expected []Request
	for _, ar := range me.ledger[peer] {
		if ar.Index >= start && ar.Index <= end {
			expected = append(expected, ar.Request)
		}
	}
	cancelled := me.next.CancelRequests(peer, start, end)
	got := slices.SortedFunc(slices.Values(cancelled), compareRequests)
	slices.SortFunc(expected, compareRequests)
	if !slices.Equal(got, expected) {
		violatef("CancelRequests", peer, "next picker cancelled %v, ledger expected %v", got, expected)
	}
	for _, r := range cancelled {
		me.remove("CancelRequests", peer, r)
		me.logTransition("cancelled", peer, r)
	}
	me.checkCount("CancelRequests", peer)
	return cancelled
}

func (me *RequestTracker) AbortRequests(peer Peer) int {
	ars := me.ledger[peer]
	n := me.next.AbortRequests(peer)
	if n != len(ars) {
		violatef("AbortRequests", peer, "next picker aborted %d requests, ledger has %d", n, len(ars))
	}
	delete(me.ledger, peer)
	for _, ar := range ars {
		me.logTransition("aborted", peer, ar.Request)
	}
	me.checkCount("AbortRequests", peer)
	return n
}

func (me *RequestTracker) RequestRejected(peer Peer, r Request) error {
	if !me.contains(peer, r) {
		violatef("RequestRejected", peer, "rejected request %v was never issued", r)
	}
	if err := me.next.RequestRejected(peer, r); err != nil {
		violatef("RequestRejected", peer, "ledger has %v outstanding but next picker disagrees: %v", r, err)
	}
	me.remove("RequestRejected", peer, r)
	me.logTransition("rejected", peer, r)
	me.checkCount("RequestRejected", peer)
	return nil
}

func (me *RequestTracker) ValidatePiece(peer Peer, r Request) (ok, pieceComplete bool, involved []Peer) {
	if !me.contains(peer, r) {
		violatef("ValidatePiece", peer, "received block %v was never requested", r)
	}
	ok, pieceComplete, involved = me.next.ValidatePiece(peer, r)
	me.remove("ValidatePiece", peer, r)
	switch {
	case pieceComplete:
		me.logTransition("completed", peer, r)
	case ok:
		me.logTransition("received", peer, r)
	default:
		me.logTransition("discarded", peer, r)
	}
	me.checkCount("ValidatePiece", peer)
	return
}
