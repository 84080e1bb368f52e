package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"runtime"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/sync/errgroup"

	"github.com/piecestream/torrent/bitfield"
	"github.com/piecestream/torrent/picker"
	"github.com/piecestream/torrent/storage"
	"github.com/piecestream/torrent/types"
)

type TorrentState int

const (
	// Not requesting anything. The initial state.
	TorrentStopped TorrentState = iota
	// Started, waiting for info.
	TorrentMetadata
	TorrentDownloading
	// Started with every piece complete.
	TorrentSeeding
	TorrentPaused
)

func (s TorrentState) String() string {
	switch s {
	case TorrentStopped:
		return "stopped"
	case TorrentMetadata:
		return "metadata"
	case TorrentDownloading:
		return "downloading"
	case TorrentSeeding:
		return "seeding"
	case TorrentPaused:
		return "paused"
	default:
		return fmt.Sprintf("TorrentState(%d)", int(s))
	}
}

// Maintains state of torrent within a Client. Many methods should not be called before the info is
// available, see .Info and .GotInfo.
type Torrent struct {
	cl     *Client
	logger log.Logger

	// Guards the fields below, and serializes every call into the picker chain.
	mu sync.RWMutex

	infoHash         metainfo.Hash
	displayName      string
	trackers         [][]string
	chunkSize        int
	storageOpener    storage.ClientImpl
	initialCompleted *bitfield.BitField

	info      *metainfo.Info
	infoBytes []byte
	storage   storage.TorrentImpl
	layout    picker.Layout
	files     []*File
	// Pieces that passed verification.
	completed *bitfield.BitField
	// Pieces with every block received, waiting on their hash. Hidden from the picker.
	hashing       *bitfield.BitField
	piecePrios    []types.PiecePriority
	prioOverrides map[pieceIndex]types.PiecePriority
	peers         map[*Peer]struct{}

	picker    picker.Picker
	ignoring  *picker.Ignoring
	streaming *picker.Streaming
	tracker   *picker.RequestTracker

	state       TorrentState
	cancelFetch context.CancelFunc

	gotInfo           chansync.SetOnce
	closed            chansync.SetOnce
	pieceStateChanges chansync.BroadcastCond
	stateChanges      chansync.BroadcastCond
}

type pieceIndex = types.PieceIndex

func newTorrent(cl *Client, md Metadata) *Torrent {
	t := &Torrent{
		cl:               cl,
		logger:           cl.logger.WithContextText(fmt.Sprintf("torrent %v", md.InfoHash)),
		infoHash:         md.InfoHash,
		displayName:      md.DisplayName,
		trackers:         md.Trackers,
		chunkSize:        md.ChunkSize,
		storageOpener:    md.Storage,
		initialCompleted: md.CompletedPieces,
		prioOverrides:    make(map[pieceIndex]types.PiecePriority),
		peers:            make(map[*Peer]struct{}),
	}
	if t.chunkSize <= 0 {
		t.chunkSize = cl.config.ChunkSize
	}
	if t.storageOpener == nil {
		t.storageOpener = cl.defaultStorage
	}
	t.newPicker()
	return t
}

// Assembles the picker chain, outermost first:
//
//	RequestTracker -> Streaming -> Priority -> RarestFirst -> Ignoring -> Standard
//
// The tracker audits everything the policies below it decide. Streaming narrows the range before
// priorities are considered, so the read position wins over file priorities. Ignoring hides pieces
// being hashed from the leaf.
func (t *Torrent) newPicker() {
	t.picker = picker.Chain(
		picker.NewStandard(),
		picker.WithIgnoring(nil),
		picker.WithRarestFirst(),
		picker.WithPriority(t.piecePriority),
		picker.WithStreaming(t.cl.config.StreamingWindow),
		picker.WithRequestTracker(t.logger),
	)
	t.ignoring, _ = picker.Find[*picker.Ignoring](t.picker)
	t.streaming, _ = picker.Find[*picker.Streaming](t.picker)
	t.tracker, _ = picker.Find[*picker.RequestTracker](t.picker)
	t.logger.Levelf(log.Debug, "picker chain: %v", picker.Describe(t.picker))
}

func (t *Torrent) InfoHash() metainfo.Hash {
	return t.infoHash
}

// The name from the info if it's available, otherwise the display name given when the torrent was
// added.
func (t *Torrent) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.info != nil {
		return t.info.Name
	}
	return t.displayName
}

// Returns nil until the info is available.
func (t *Torrent) Info() *metainfo.Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

// The torrent's metadata, including info bytes once known.
func (t *Torrent) Metadata() Metadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return New(
		t.infoHash,
		OptionInfo(t.infoBytes),
		OptionDisplayName(t.displayName),
		OptionTrackers(t.trackers),
	)
}

// Closed when the info is available.
func (t *Torrent) GotInfo() events.Done {
	return t.gotInfo.Done()
}

// Closed when the torrent is removed from its client.
func (t *Torrent) Closed() events.Done {
	return t.closed.Done()
}

func (t *Torrent) State() TorrentState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Signaled on the next state transition.
func (t *Torrent) StateChanged() events.Signaled {
	return t.stateChanges.Signaled()
}

// Signaled the next time a piece's completion changes, and when the torrent gets its info or
// closes. Get the channel before checking the state it waits on.
func (t *Torrent) PieceStateChanged() events.Signaled {
	return t.pieceStateChanges.Signaled()
}

// The torrent's files, in info order. Nil until the info is available.
func (t *Torrent) Files() []*File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.files
}

// Zero until the info is available.
func (t *Torrent) Layout() picker.Layout {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.layout
}

func (t *Torrent) NumPieces() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.layout.NumPieces()
}

func (t *Torrent) Length() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.layout.TotalLength
}

func (t *Torrent) PieceComplete(i pieceIndex) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pieceComplete(i)
}

func (t *Torrent) pieceComplete(i pieceIndex) bool {
	return t.completed != nil && i >= 0 && i < t.completed.Len() && t.completed.Get(i)
}

// A copy of the completed pieces. Nil until the info is available.
func (t *Torrent) Completed() *bitfield.BitField {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.completed == nil {
		return nil
	}
	return t.completed.Clone()
}

func (t *Torrent) BytesCompleted() (n int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.completed == nil {
		return 0
	}
	t.completed.IterTrue(func(i int) bool {
		n += t.layout.PieceSize(i)
		return true
	})
	return
}

// Sets the info, which must hash to the infohash. Does nothing if the torrent already has info.
// Newly set info is written to the client's metadata store.
func (t *Torrent) SetInfoBytes(b []byte) error {
	if err := New(t.infoHash, OptionInfo(b)).verify(); err != nil {
		return err
	}
	t.mu.Lock()
	set, err := t.setInfoBytes(b)
	t.mu.Unlock()
	if err != nil || !set {
		return err
	}
	t.pieceStateChanges.Broadcast()
	if err := t.cl.metadataStore.Write(t.Metadata()); err != nil {
		t.logger.Levelf(log.Warning, "caching metadata: %v", err)
	}
	return nil
}

func (t *Torrent) setInfoBytes(b []byte) (set bool, err error) {
	if t.info != nil {
		return false, nil
	}
	if t.closed.IsSet() {
		return false, ErrTorrentClosed
	}
	var info metainfo.Info
	if err = bencode.Unmarshal(b, &info); err != nil {
		return false, fmt.Errorf("unmarshalling info: %w", err)
	}
	if info.PieceLength <= 0 {
		return false, fmt.Errorf("bad piece length %v", info.PieceLength)
	}
	layout := picker.NewLayout(info.PieceLength, info.TotalLength(), t.chunkSize)
	if n := layout.NumPieces(); len(info.Pieces) != n*sha1.Size {
		return false, fmt.Errorf("info has %v bytes of piece hashes, want %v", len(info.Pieces), n*sha1.Size)
	}
	ts, err := t.storageOpener.OpenTorrent(&info, t.infoHash)
	if err != nil {
		return false, fmt.Errorf("opening storage: %w", err)
	}
	t.info = &info
	t.infoBytes = b
	t.storage = ts
	t.layout = layout
	t.completed = bitfield.New(layout.NumPieces())
	if t.initialCompleted != nil {
		if t.initialCompleted.Len() == t.completed.Len() {
			t.completed.Or(t.initialCompleted)
		} else {
			t.logger.Levelf(log.Warning,
				"ignoring completed pieces for %v pieces, torrent has %v",
				t.initialCompleted.Len(), t.completed.Len())
		}
	}
	t.hashing = bitfield.New(layout.NumPieces())
	t.ignoring.SetMask(t.hashing)
	t.makeFiles()
	t.updatePiecePriorities()
	t.picker.Initialise(t.completed, t.layout, nil)
	if t.state == TorrentMetadata {
		t.setState(t.activeState())
	}
	t.gotInfo.Set()
	t.logger.Levelf(log.Debug, "got info: %v pieces, %v bytes", layout.NumPieces(), layout.TotalLength)
	return true, nil
}

func (t *Torrent) makeFiles() {
	var offset int64
	for i, fi := range t.info.UpvertedFiles() {
		t.files = append(t.files, &File{
			t:      t,
			index:  i,
			path:   fi.DisplayPath(t.info),
			offset: offset,
			length: fi.Length,
			fi:     fi,
			prio:   types.PiecePriorityNormal,
		})
		offset += fi.Length
	}
}

// Called by the Priority picker, with mu held.
func (t *Torrent) piecePriority(i pieceIndex) types.PiecePriority {
	if i < 0 || i >= len(t.piecePrios) {
		return types.PiecePriorityNone
	}
	return t.piecePrios[i]
}

func (t *Torrent) updatePiecePriorities() {
	prios := make([]types.PiecePriority, t.layout.NumPieces())
	for _, f := range t.files {
		for i := f.beginPieceIndex(); i < f.endPieceIndex(); i++ {
			prios[i].Raise(f.prio)
		}
	}
	for i, prio := range t.prioOverrides {
		if i < len(prios) {
			prios[i].Raise(prio)
		}
	}
	t.piecePrios = prios
}

// Raises the piece's priority above what its files give it. PiecePriorityNone removes the raise.
func (t *Torrent) SetPiecePriority(i pieceIndex, prio types.PiecePriority) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prio == types.PiecePriorityNone {
		delete(t.prioOverrides, i)
	} else {
		t.prioOverrides[i] = prio
	}
	t.updatePiecePriorities()
}

func (t *Torrent) PiecePriority(i pieceIndex) types.PiecePriority {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.piecePriority(i)
}

// Points the streaming picker at a piece. Outstanding requests are untouched.
func (t *Torrent) SetHighPriorityPiece(i pieceIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming.SetHighPriority(i)
}

func (t *Torrent) ClearHighPriorityPiece() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming.ClearHighPriority()
}

func (t *Torrent) HighPriorityPiece() g.Option[pieceIndex] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.streaming.HighPriority()
}

// The picker chain, with every call serialized on the torrent's lock.
func (t *Torrent) Picker() picker.Picker {
	return lockedPicker{t}
}

func (t *Torrent) activeState() TorrentState {
	switch {
	case t.info == nil:
		return TorrentMetadata
	case t.completed.AllTrue():
		return TorrentSeeding
	default:
		return TorrentDownloading
	}
}

func (t *Torrent) setState(s TorrentState) {
	if t.state == s {
		return
	}
	t.logger.Levelf(log.Debug, "state %v -> %v", t.state, s)
	t.state = s
	t.stateChanges.Broadcast()
}

// Whether new requests should be issued.
func (t *Torrent) requesting() bool {
	return t.state == TorrentDownloading
}

// Starts a stopped torrent. Without info, the client's MetadataSource is asked for it.
func (t *Torrent) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.IsSet() {
		return ErrTorrentClosed
	}
	if t.state != TorrentStopped {
		return invalidOpf("starting torrent in state %v", t.state)
	}
	t.setState(t.activeState())
	if t.info == nil {
		t.startFetchingMetadata()
	}
	return nil
}

func (t *Torrent) startFetchingMetadata() {
	src := t.cl.config.MetadataSource
	if src == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelFetch = cancel
	go t.fetchMetadata(ctx, src)
}

func (t *Torrent) fetchMetadata(ctx context.Context, src MetadataSource) {
	b, err := src.FetchMetadata(ctx, t.infoHash)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Levelf(log.Warning, "fetching metadata: %v", err)
		}
		return
	}
	if err := t.SetInfoBytes(b); err != nil {
		t.logger.Levelf(log.Warning, "setting fetched metadata: %v", err)
	}
}

func (t *Torrent) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case TorrentMetadata, TorrentDownloading, TorrentSeeding:
		t.setState(TorrentPaused)
		return nil
	}
	return invalidOpf("pausing torrent in state %v", t.state)
}

func (t *Torrent) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TorrentPaused {
		return invalidOpf("resuming torrent in state %v", t.state)
	}
	t.setState(t.activeState())
	return nil
}

// Stops requesting, forgets peers and their outstanding requests, and stops any metadata fetch.
// The torrent stays in its client and can be started again.
func (t *Torrent) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TorrentStopped {
		return invalidOpf("torrent already stopped")
	}
	t.stopLocked()
	return nil
}

func (t *Torrent) stopLocked() {
	if t.cancelFetch != nil {
		t.cancelFetch()
		t.cancelFetch = nil
	}
	if t.info != nil {
		t.picker.Initialise(t.completed, t.layout, nil)
	}
	clear(t.peers)
	t.setState(TorrentStopped)
}

func (t *Torrent) close() (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed.Set() {
		return nil
	}
	if t.state != TorrentStopped {
		t.stopLocked()
	}
	if t.storage != nil {
		err = t.storage.Close()
	}
	t.pieceStateChanges.Broadcast()
	return
}

// Reads torrent data from storage whether or not the pieces covering it are complete.
func (t *Torrent) ReadAt(p []byte, off int64) (int, error) {
	t.mu.RLock()
	ts := t.storage
	closed := t.closed.IsSet()
	t.mu.RUnlock()
	if closed {
		return 0, ErrTorrentClosed
	}
	if ts == nil {
		return 0, invalidOpf("reading before info")
	}
	return ts.ReadAt(p, off)
}

// A piece that failed verification, and the peers that delivered its blocks.
type PieceHashError struct {
	Index pieceIndex
	Peers []types.Peer
}

func (me *PieceHashError) Error() string {
	return fmt.Sprintf("piece %v failed hash check, blocks from %v", me.Index, me.Peers)
}

// ReceiveBlock stores a block the peer delivered for a request issued to it, and verifies the piece
// if the block completes it. Reporting a block that wasn't requested from the peer panics, as for
// picker.Picker.ValidatePiece. Duplicate blocks, and blocks arriving while stopped or from a peer
// that was dropped, are discarded without touching storage. A completed piece that fails
// verification returns a *PieceHashError, and its blocks become requestable again.
func (t *Torrent) ReceiveBlock(peer types.Peer, r types.Request, data []byte) (pieceComplete bool, err error) {
	if len(data) != r.Length {
		return false, invalidOpf("block for %v has %v bytes", r, len(data))
	}
	ok, complete, involved, err := t.acceptBlock(peer, r, data)
	if err != nil || !ok {
		return false, err
	}
	blocksReceived.Inc()
	if !complete {
		return false, nil
	}
	passed, err := t.hashPiece(r.Index)
	t.mu.Lock()
	t.hashing.Set(r.Index, false)
	if passed {
		t.pieceVerified(r.Index)
	}
	t.mu.Unlock()
	t.pieceStateChanges.Broadcast()
	if err != nil {
		return false, err
	}
	if !passed {
		hashFailures.Inc()
		t.logger.Levelf(log.Warning, "piece %v failed hash check, blocks from %v", r.Index, involved)
		return false, &PieceHashError{r.Index, involved}
	}
	return true, nil
}

// Settles the block with the picker, and writes it only if the picker accepts it. The write happens
// under the lock, so a piece is never hashed before all its accepted blocks are in storage. A
// completing block masks its piece until the hash is in.
func (t *Torrent) acceptBlock(peer types.Peer, r types.Request, data []byte) (ok, complete bool, involved []types.Peer, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storage == nil {
		err = invalidOpf("receiving block before info")
		return
	}
	if t.state == TorrentStopped {
		// Stopping dropped every outstanding request.
		return
	}
	if p, isPeer := peer.(*Peer); isPeer && (p.t != t || !p.connected()) {
		return
	}
	ok, complete, involved = t.picker.ValidatePiece(peer, r)
	if !ok {
		return
	}
	if _, err = t.storage.WriteAt(data, t.layout.PieceOffset(r.Index)+int64(r.Begin)); err != nil {
		// The piece is short this block, so it fails its hash if it completes later. If this
		// block completed it, it's left unmasked and incomplete, and gets requested again.
		return false, false, nil, fmt.Errorf("writing %v: %w", r, err)
	}
	if complete {
		t.hashing.Set(r.Index, true)
	}
	return
}

func (t *Torrent) hashPiece(i pieceIndex) (bool, error) {
	h := sha1.New()
	_, err := io.Copy(h, io.NewSectionReader(t.storage, t.layout.PieceOffset(i), t.layout.PieceSize(i)))
	if err != nil {
		return false, fmt.Errorf("hashing piece %v: %w", i, err)
	}
	return bytes.Equal(h.Sum(nil), t.info.Pieces[i*sha1.Size:(i+1)*sha1.Size]), nil
}

func (t *Torrent) pieceVerified(i pieceIndex) {
	t.completed.Set(i, true)
	piecesVerified.Inc()
	if t.state == TorrentDownloading {
		t.setState(t.activeState())
	}
}

// Hashes every piece in storage and sets completion to match. For resuming from existing data.
func (t *Torrent) VerifyData(ctx context.Context) error {
	t.mu.RLock()
	haveInfo := t.info != nil
	n := t.layout.NumPieces()
	t.mu.RUnlock()
	if !haveInfo {
		return invalidOpf("verifying data before info")
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i := range n {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			passed, err := t.hashPiece(i)
			if err != nil {
				return err
			}
			t.mu.Lock()
			if passed {
				t.pieceVerified(i)
			} else {
				t.completed.Set(i, false)
			}
			t.mu.Unlock()
			return nil
		})
	}
	err := eg.Wait()
	t.mu.Lock()
	if t.state == TorrentDownloading || t.state == TorrentSeeding {
		t.setState(t.activeState())
	}
	t.mu.Unlock()
	t.pieceStateChanges.Broadcast()
	return err
}
