package testutil

import (
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/piecestream/torrent/storage"
)

// NewBadStorage returns storage that discards writes and reads back noise, so no piece ever passes
// verification.
func NewBadStorage() storage.ClientImplCloser {
	return badStorage{}
}

type badStorage struct{}

func (badStorage) OpenTorrent(info *metainfo.Info, ih metainfo.Hash) (storage.TorrentImpl, error) {
	f := fnv.New64a()
	f.Write(ih[:])
	return &badStorageImpl{src: rand.New(rand.NewSource(int64(f.Sum64())))}, nil
}

func (badStorage) Close() error {
	return nil
}

type badStorageImpl struct {
	mu  sync.Mutex
	src *rand.Rand
}

func (*badStorageImpl) Close() error {
	return nil
}

func (*badStorageImpl) WriteAt(b []byte, off int64) (int, error) {
	return len(b), nil
}

func (p *badStorageImpl) ReadAt(b []byte, off int64) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src.Read(b)
}

// Writes the torrent's data into the storage, as if it had been downloaded.
func Fill(ts storage.TorrentImpl, t *Torrent) error {
	_, err := ts.WriteAt([]byte(t.Data()), 0)
	return err
}
