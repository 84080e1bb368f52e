package storage

import (
	"io"
	"io/fs"

	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

type mmapClientImpl struct {
	baseDir string
}

// Stores each torrent file in baseDir, memory mapped for its lifetime. Files are laid out as for
// NewFile.
func NewMMap(baseDir string) ClientImplCloser {
	return &mmapClientImpl{
		baseDir: baseDir,
	}
}

func (me *mmapClientImpl) OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (_ TorrentImpl, err error) {
	if info == nil {
		panic("can't open a storage for a nil torrent")
	}
	files := info.UpvertedFiles()
	t := &mmapTorrentStorage{
		span:  newSpan(files),
		mMaps: make([]mmap.MMap, len(files)),
	}
	defer func() {
		if err != nil {
			t.Close()
		}
	}()
	for i := range files {
		name := InfoHashPathMaker(me.baseDir, infoHash, info, &files[i])
		t.mMaps[i], err = mmapFile(name, files[i].Length)
		if err != nil {
			return nil, errors.Wrapf(err, "file %q", files[i].DisplayPath(info))
		}
	}
	return t, nil
}

func (me *mmapClientImpl) Close() error {
	return nil
}

type mmapTorrentStorage struct {
	mu     sync.RWMutex
	closed bool
	span   span
	// Nil for zero-length files.
	mMaps []mmap.MMap
}

func (me *mmapTorrentStorage) copy(p []byte, off int64, write bool) (n int, err error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.closed {
		return 0, fs.ErrClosed
	}
	me.span.locate(off, int64(len(p)), func(i int, fileOff, length int64) bool {
		mm := me.mMaps[i][fileOff : fileOff+length]
		if write {
			n += copy(mm, p[n:])
		} else {
			n += copy(p[n:], mm)
		}
		return true
	})
	return
}

func (me *mmapTorrentStorage) ReadAt(p []byte, off int64) (n int, err error) {
	n, err = me.copy(p, off, false)
	if err == nil && n != len(p) {
		err = io.EOF
	}
	return
}

func (me *mmapTorrentStorage) WriteAt(p []byte, off int64) (n int, err error) {
	n, err = me.copy(p, off, true)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	return
}

func (me *mmapTorrentStorage) Close() (err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return nil
	}
	me.closed = true
	for _, mm := range me.mMaps {
		if mm == nil {
			continue
		}
		if unmapErr := mm.Unmap(); err == nil {
			err = unmapErr
		}
	}
	me.mMaps = nil
	return
}

func mmapFile(name string, size int64) (ret mmap.MMap, err error) {
	file, err := openSized(name, size)
	if err != nil {
		return
	}
	defer file.Close()
	if size == 0 {
		// Can't mmap() regions with length 0.
		return
	}
	intLen := int(size)
	if int64(intLen) != size {
		err = errors.New("size too large for system")
		return
	}
	ret, err = mmap.MapRegion(file, intLen, mmap.RDWR, 0, 0)
	if err != nil {
		err = errors.Wrap(err, "mapping region")
	}
	return
}
