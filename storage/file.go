package storage

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

// Returns the native path for a file of the torrent.
type FilePathMaker func(baseDir string, infoHash metainfo.Hash, info *metainfo.Info, fi *metainfo.FileInfo) string

// Lays files out under a directory named by the infohash, then the torrent's name.
func InfoHashPathMaker(baseDir string, infoHash metainfo.Hash, info *metainfo.Info, fi *metainfo.FileInfo) string {
	return filepath.Join(append([]string{baseDir, infoHash.HexString(), info.Name}, fi.Path...)...)
}

type FileOption func(*fileClientImpl)

func FileOptionPathMaker(m FilePathMaker) FileOption {
	return func(fci *fileClientImpl) {
		fci.pathMaker = m
	}
}

// File-based storage for torrents, that isn't yet bound to a particular torrent.
type fileClientImpl struct {
	baseDir   string
	pathMaker FilePathMaker
}

// All torrent data stored in baseDir.
func NewFile(baseDir string, opts ...FileOption) ClientImplCloser {
	ret := &fileClientImpl{
		baseDir:   baseDir,
		pathMaker: InfoHashPathMaker,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (me *fileClientImpl) Close() error {
	return nil
}

func (me *fileClientImpl) OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (_ TorrentImpl, err error) {
	if info == nil {
		panic("can't open a storage for a nil torrent")
	}
	files := info.UpvertedFiles()
	t := &fileTorrentImpl{
		span:  newSpan(files),
		files: make([]*os.File, len(files)),
	}
	defer func() {
		if err != nil {
			t.Close()
		}
	}()
	for i := range files {
		name := me.pathMaker(me.baseDir, infoHash, info, &files[i])
		t.files[i], err = openSized(name, files[i].Length)
		if err != nil {
			return nil, errors.Wrapf(err, "file %q", files[i].DisplayPath(info))
		}
	}
	return t, nil
}

// Opens the file for reading and writing, creating it and its directory as needed, and extending it
// to size. Existing data is kept.
func openSized(name string, size int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o777); err != nil {
		return nil, errors.Wrap(err, "making directory")
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err == nil && fi.Size() < size {
		err = f.Truncate(size)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

type fileTorrentImpl struct {
	closed atomic.Bool
	span   span
	files  []*os.File
}

func (me *fileTorrentImpl) ReadAt(p []byte, off int64) (n int, err error) {
	if me.closed.Load() {
		return 0, fs.ErrClosed
	}
	me.span.locate(off, int64(len(p)), func(i int, fileOff, length int64) bool {
		var n1 int
		n1, err = me.files[i].ReadAt(p[n:n+int(length)], fileOff)
		n += n1
		if err == io.EOF && int64(n1) == length {
			err = nil
		}
		return err == nil
	})
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return
}

func (me *fileTorrentImpl) WriteAt(p []byte, off int64) (n int, err error) {
	if me.closed.Load() {
		return 0, fs.ErrClosed
	}
	me.span.locate(off, int64(len(p)), func(i int, fileOff, length int64) bool {
		var n1 int
		n1, err = me.files[i].WriteAt(p[n:n+int(length)], fileOff)
		n += n1
		return err == nil
	})
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return
}

func (me *fileTorrentImpl) Close() (err error) {
	if me.closed.Swap(true) {
		return nil
	}
	for _, f := range me.files {
		if f == nil {
			continue
		}
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}
	return
}
