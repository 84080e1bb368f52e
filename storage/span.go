package storage

import (
	"sort"

	"github.com/anacrolix/torrent/metainfo"
)

type extent struct {
	start, length int64
}

func (e extent) end() int64 {
	return e.start + e.length
}

// Locates torrent offsets within the torrent's files.
type span struct {
	extents []extent
}

func newSpan(files []metainfo.FileInfo) (ret span) {
	var start int64
	for _, fi := range files {
		ret.extents = append(ret.extents, extent{start, fi.Length})
		start += fi.Length
	}
	return
}

func (s span) length() int64 {
	if len(s.extents) == 0 {
		return 0
	}
	return s.extents[len(s.extents)-1].end()
}

// Calls f for each file overlapping [off, off+n), in order, with the offset and length of the overlap
// within that file. Zero-length files are never visited. Stops early if f returns false.
func (s span) locate(off, n int64, f func(file int, fileOff, length int64) bool) {
	first := sort.Search(len(s.extents), func(i int) bool {
		return s.extents[i].end() > off
	})
	for i := first; i < len(s.extents) && n > 0; i++ {
		e := s.extents[i]
		if e.length == 0 {
			continue
		}
		fileOff := off - e.start
		l := min(e.length-fileOff, n)
		if !f(i, fileOff, l) {
			return
		}
		off += l
		n -= l
	}
}
