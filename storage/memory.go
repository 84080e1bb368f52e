package storage

import (
	"io"
	"io/fs"

	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
)

type memoryClientImpl struct{}

// Keeps torrent data in memory. Mostly for tests and small torrents.
func NewMemory() ClientImplCloser {
	return memoryClientImpl{}
}

func (memoryClientImpl) OpenTorrent(info *metainfo.Info, _ metainfo.Hash) (TorrentImpl, error) {
	return &memoryTorrent{data: make([]byte, info.TotalLength())}, nil
}

func (memoryClientImpl) Close() error {
	return nil
}

type memoryTorrent struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

func (me *memoryTorrent) ReadAt(p []byte, off int64) (n int, err error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 || off >= int64(len(me.data)) {
		return 0, io.EOF
	}
	n = copy(p, me.data[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

func (me *memoryTorrent) WriteAt(p []byte, off int64) (n int, err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 || off > int64(len(me.data)) {
		return 0, io.ErrShortWrite
	}
	n = copy(me.data[off:], p)
	if n < len(p) {
		err = io.ErrShortWrite
	}
	return
}

func (me *memoryTorrent) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.closed = true
	me.data = nil
	return nil
}
