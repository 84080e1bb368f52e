// Package streaming serves torrent files as seekable byte streams. A Provider owns one torrent's
// lifecycle in a Client, and hands out at most one Stream per file.
package streaming

import (
	"context"
	"errors"
	"fmt"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/piecestream/torrent"
)

type State int

const (
	Created State = iota
	Started
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Provider struct {
	cl     *torrent.Client
	logger log.Logger
	ih     metainfo.Hash
	// Exactly one of these is set.
	mi     *metainfo.MetaInfo
	magnet string
	opts   []torrent.Option

	mu      sync.Mutex
	state   State
	t       *torrent.Torrent
	streams map[int]*Stream
	stopped chansync.SetOnce
}

func newProvider(cl *torrent.Client, ih metainfo.Hash) *Provider {
	return &Provider{
		cl:      cl,
		logger:  cl.Config().Logger.WithNames("streaming").WithContextText(fmt.Sprintf("provider %v", ih)),
		ih:      ih,
		streams: make(map[int]*Stream),
	}
}

// A provider for a torrent with known info. The options are applied to the torrent's metadata when
// it's added to the client.
func NewProvider(cl *torrent.Client, mi *metainfo.MetaInfo, opts ...torrent.Option) *Provider {
	p := newProvider(cl, mi.HashInfoBytes())
	p.mi = mi
	p.opts = opts
	return p
}

// A provider for a magnet link. The info comes from the client's metadata store if it has a
// matching entry, otherwise from the client's MetadataSource after Start.
func NewMagnetProvider(cl *torrent.Client, uri string, opts ...torrent.Option) (*Provider, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing magnet: %w", err)
	}
	p := newProvider(cl, m.InfoHash)
	p.magnet = uri
	p.opts = opts
	return p, nil
}

func (p *Provider) InfoHash() metainfo.Hash {
	return p.ih
}

func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// The provider's torrent. Nil before Start.
func (p *Provider) Torrent() *torrent.Torrent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.t
}

func (p *Provider) metadata() (torrent.Metadata, error) {
	if p.mi != nil {
		return torrent.NewFromMetaInfo(p.mi, p.opts...)
	}
	md, err := torrent.NewFromMagnet(p.magnet, p.opts...)
	if err != nil {
		return md, err
	}
	cached, err := p.cl.MetadataStore().Read(p.ih)
	switch {
	case err == nil:
		md.InfoBytes = cached.InfoBytes
		if md.DisplayName == "" {
			md.DisplayName = cached.DisplayName
		}
	case errors.Is(err, torrent.ErrNoMetadata):
	default:
		p.logger.Levelf(log.Warning, "ignoring cached metadata: %v", err)
	}
	return md, nil
}

// Adds the torrent to the client and starts it. The provider must be the one adding it: a torrent
// already in the client is an invalid operation, and the client is left as it was.
func (p *Provider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Created {
		return invalidOpf("starting provider in state %v", p.state)
	}
	if _, ok := p.cl.Torrent(p.ih); ok {
		return p.addedElsewhere()
	}
	md, err := p.metadata()
	if err != nil {
		return err
	}
	t, added, err := p.cl.AddTorrent(md)
	if err != nil {
		return err
	}
	if !added {
		// Lost a race with another adder.
		return p.addedElsewhere()
	}
	if err := t.Start(); err != nil {
		return errors.Join(err, p.cl.RemoveTorrent(p.ih))
	}
	p.t = t
	p.state = Started
	p.logger.Levelf(log.Debug, "started")
	return nil
}

func (p *Provider) addedElsewhere() error {
	return invalidOpf("torrent %v was added to the client by someone else", p.ih)
}

// Fails if the torrent was stopped or removed without going through the provider.
func (p *Provider) checkTorrent() error {
	select {
	case <-p.t.Closed():
		return invalidOpf("torrent %v was removed outside the provider", p.ih)
	default:
	}
	if p.t.State() == torrent.TorrentStopped {
		return invalidOpf("torrent %v was stopped outside the provider", p.ih)
	}
	return nil
}

func (p *Provider) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Started {
		return invalidOpf("pausing provider in state %v", p.state)
	}
	if err := p.checkTorrent(); err != nil {
		return err
	}
	if err := p.t.Pause(); err != nil {
		return err
	}
	p.state = Paused
	return nil
}

func (p *Provider) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Paused {
		return invalidOpf("resuming provider in state %v", p.state)
	}
	if err := p.checkTorrent(); err != nil {
		return err
	}
	if err := p.t.Resume(); err != nil {
		return err
	}
	p.state = Started
	return nil
}

// Closes the provider's streams, releases metadata waiters, and removes the torrent from the
// client.
func (p *Provider) Stop() error {
	p.mu.Lock()
	if p.state != Started && p.state != Paused {
		defer p.mu.Unlock()
		return invalidOpf("stopping provider in state %v", p.state)
	}
	if err := p.checkTorrent(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.state = Stopped
	p.stopped.Set()
	streams := p.streams
	p.streams = make(map[int]*Stream)
	p.mu.Unlock()
	for _, s := range streams {
		s.closed.Set()
	}
	err := errors.Join(p.t.Stop(), p.cl.RemoveTorrent(p.ih))
	p.logger.Levelf(log.Debug, "stopped")
	return err
}

// The torrent's files. Nil until the info is available.
func (p *Provider) Files() []*torrent.File {
	t := p.Torrent()
	if t == nil {
		return nil
	}
	return t.Files()
}

// Blocks until the torrent's files are available. Stopping the provider releases the wait with
// ErrProviderStopped.
func (p *Provider) WaitForMetadata(ctx context.Context) ([]*torrent.File, error) {
	p.mu.Lock()
	t, state := p.t, p.state
	p.mu.Unlock()
	if state == Stopped {
		return nil, ErrProviderStopped
	}
	if t == nil {
		return nil, invalidOpf("waiting for metadata before start")
	}
	select {
	case <-t.GotInfo():
		return t.Files(), nil
	default:
	}
	select {
	case <-t.GotInfo():
		return t.Files(), nil
	case <-p.stopped.Done():
		return nil, ErrProviderStopped
	case <-t.Closed():
		return nil, torrent.ErrTorrentClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Opens a stream over one of the provider's files. A file has at most one open stream. With
// prebuffer, returns once the file's leading PrebufferBytes are downloaded.
func (p *Provider) CreateStream(ctx context.Context, f *torrent.File, prebuffer bool) (*Stream, error) {
	p.mu.Lock()
	if p.state != Started && p.state != Paused {
		defer p.mu.Unlock()
		return nil, invalidOpf("creating stream in state %v", p.state)
	}
	if f == nil || f.Torrent() != p.t {
		defer p.mu.Unlock()
		return nil, invalidOpf("file is not from the provider's torrent")
	}
	if _, ok := p.streams[f.Index()]; ok {
		defer p.mu.Unlock()
		return nil, invalidOpf("file %q already has an open stream", f.Path())
	}
	s := newStream(p, f)
	p.streams[f.Index()] = s
	p.mu.Unlock()
	if prebuffer {
		if err := s.prebuffer(ctx, p.cl.Config().PrebufferBytes); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Forgets a closed stream. Closing the last stream also drops the torrent's high priority piece,
// which was the last seeked stream's cursor.
func (p *Provider) releaseStream(s *Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streams[s.file.Index()] != s {
		return
	}
	delete(p.streams, s.file.Index())
	if len(p.streams) == 0 {
		s.t.ClearHighPriorityPiece()
	}
}
