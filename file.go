package torrent

import (
	"github.com/anacrolix/torrent/metainfo"

	"github.com/piecestream/torrent/types"
)

// Provides access to regions of torrent data that correspond to its files.
type File struct {
	t      *Torrent
	index  int
	path   string
	offset int64
	length int64
	fi     metainfo.FileInfo
	// Guarded by the torrent's lock.
	prio types.PiecePriority
}

func (f *File) Torrent() *Torrent {
	return f.t
}

// The file's position in the torrent's files.
func (f *File) Index() int {
	return f.index
}

// Data for this file begins this many bytes into the Torrent.
func (f *File) Offset() int64 {
	return f.offset
}

// The FileInfo from the metainfo.Info to which this file corresponds.
func (f *File) FileInfo() metainfo.FileInfo {
	return f.fi
}

// The torrent name for a single-file torrent, otherwise the file's path components joined by '/'.
func (f *File) Path() string {
	return f.path
}

// The file's length in bytes.
func (f *File) Length() int64 {
	return f.length
}

// The first piece with data of this file.
func (f *File) BeginPieceIndex() int {
	return f.beginPieceIndex()
}

// One past the last piece with data of this file.
func (f *File) EndPieceIndex() int {
	return f.endPieceIndex()
}

func (f *File) beginPieceIndex() int {
	pl := f.t.layout.PieceLength
	if pl == 0 {
		return 0
	}
	return int(f.offset / pl)
}

func (f *File) endPieceIndex() int {
	if f.length == 0 {
		return f.beginPieceIndex()
	}
	pl := f.t.layout.PieceLength
	return int((f.offset + f.length + pl - 1) / pl)
}

// Bytes of the file in completed pieces.
func (f *File) BytesCompleted() (n int64) {
	f.t.mu.RLock()
	defer f.t.mu.RUnlock()
	for i := f.beginPieceIndex(); i < f.endPieceIndex(); i++ {
		if !f.t.pieceComplete(i) {
			continue
		}
		pieceStart := f.t.layout.PieceOffset(i)
		pieceEnd := pieceStart + f.t.layout.PieceSize(i)
		n += min(pieceEnd, f.offset+f.length) - max(pieceStart, f.offset)
	}
	return
}

// Sets the minimum priority for the file's pieces. PiecePriorityNone stops requesting pieces only
// this file needs.
func (f *File) SetPriority(prio types.PiecePriority) {
	f.t.mu.Lock()
	defer f.t.mu.Unlock()
	f.prio = prio
	f.t.updatePiecePriorities()
}

func (f *File) Priority() types.PiecePriority {
	f.t.mu.RLock()
	defer f.t.mu.RUnlock()
	return f.prio
}
