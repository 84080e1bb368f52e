package torrent

import (
	"errors"
	"maps"
	"slices"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/piecestream/torrent/storage"
)

// Clients contain zero or more Torrents. A Client owns the storage and metadata store its torrents
// share.
type Client struct {
	mu             sync.RWMutex
	config         *ClientConfig
	logger         log.Logger
	defaultStorage storage.ClientImplCloser
	// Closed with the client if the client created it.
	ownedStorage  bool
	metadataStore MetadataStore
	torrents      map[metainfo.Hash]*Torrent
	closed        chansync.SetOnce
}

// Creates a client. A nil config uses NewDefaultClientConfig.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	cl := &Client{
		config:         cfg,
		logger:         cfg.Logger.WithNames("client"),
		defaultStorage: cfg.DefaultStorage,
		metadataStore:  cfg.metadataStore(),
		torrents:       make(map[metainfo.Hash]*Torrent),
	}
	if cfg.Debug {
		cl.logger = cl.logger.FilterLevel(log.Debug)
	}
	if cl.defaultStorage == nil {
		cl.defaultStorage = storage.NewFile(cfg.DataDir)
		cl.ownedStorage = true
	}
	return cl, nil
}

func (cl *Client) Config() ClientConfig {
	return *cl.config
}

func (cl *Client) MetadataStore() MetadataStore {
	return cl.metadataStore
}

// Adds a stopped torrent, or returns the existing one for the infohash with added false. Info bytes
// in md are verified against the infohash.
func (cl *Client) AddTorrent(md Metadata) (t *Torrent, added bool, err error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed.IsSet() {
		return nil, false, ErrClientClosed
	}
	if t, ok := cl.torrents[md.InfoHash]; ok {
		if len(md.InfoBytes) != 0 {
			err = t.SetInfoBytes(md.InfoBytes)
		}
		return t, false, err
	}
	t = newTorrent(cl, md)
	if len(md.InfoBytes) != 0 {
		if err = md.verify(); err != nil {
			return nil, false, err
		}
		t.mu.Lock()
		_, err = t.setInfoBytes(md.InfoBytes)
		t.mu.Unlock()
		if err != nil {
			return nil, false, err
		}
	}
	cl.torrents[md.InfoHash] = t
	torrentsActive.Inc()
	cl.logger.Levelf(log.Debug, "added torrent %v", md.InfoHash)
	return t, true, nil
}

func (cl *Client) AddMagnet(uri string) (*Torrent, bool, error) {
	md, err := NewFromMagnet(uri)
	if err != nil {
		return nil, false, err
	}
	return cl.AddTorrent(md)
}

func (cl *Client) Torrent(ih metainfo.Hash) (t *Torrent, ok bool) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	t, ok = cl.torrents[ih]
	return
}

// The client's torrents, in no particular order.
func (cl *Client) Torrents() []*Torrent {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return slices.Collect(maps.Values(cl.torrents))
}

// Stops and closes the torrent, and forgets it.
func (cl *Client) RemoveTorrent(ih metainfo.Hash) error {
	cl.mu.Lock()
	t, ok := cl.torrents[ih]
	if ok {
		delete(cl.torrents, ih)
		torrentsActive.Dec()
	}
	cl.mu.Unlock()
	if !ok {
		return invalidOpf("no torrent %v", ih)
	}
	return t.close()
}

// Closed when the client is closed.
func (cl *Client) Closed() events.Done {
	return cl.closed.Done()
}

// Closes every torrent, then the default storage if the client created it.
func (cl *Client) Close() (err error) {
	cl.mu.Lock()
	if !cl.closed.Set() {
		cl.mu.Unlock()
		return nil
	}
	ts := slices.Collect(maps.Values(cl.torrents))
	clear(cl.torrents)
	torrentsActive.Sub(float64(len(ts)))
	cl.mu.Unlock()
	for _, t := range ts {
		err = errors.Join(err, t.close())
	}
	if cl.ownedStorage {
		err = errors.Join(err, cl.defaultStorage.Close())
	}
	return
}
