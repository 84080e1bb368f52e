package streaming

import (
	"context"
	"io"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/piecestream/torrent"
)

// Stream reads a file of a provider's torrent. Reads block until the data is available. Seeks move
// the torrent's high priority piece.
type Stream struct {
	p      *Provider
	t      *torrent.Torrent
	file   *torrent.File
	logger log.Logger

	// Serializes reads.
	readMu sync.Mutex
	mu     sync.Mutex
	pos    int64
	closed chansync.SetOnce
}

var _ io.ReadSeekCloser = (*Stream)(nil)

func newStream(p *Provider, f *torrent.File) *Stream {
	s := &Stream{
		p:      p,
		t:      p.t,
		file:   f,
		logger: p.logger.WithNames("stream").WithContextText(f.Path()),
	}
	s.prioritize()
	return s
}

func (s *Stream) File() *torrent.File {
	return s.file
}

func (s *Stream) Length() int64 {
	return s.file.Length()
}

func (s *Stream) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Points the torrent at the piece under the cursor. mu or exclusive access is required.
func (s *Stream) prioritize() {
	if s.file.Length() == 0 {
		return
	}
	off := s.file.Offset() + min(s.pos, s.file.Length()-1)
	s.t.SetHighPriorityPiece(s.t.Layout().PieceForOffset(off))
}

// Seeking outside the file clamps to its start or end.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.IsSet() {
		return s.pos, ErrStreamClosed
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		target = s.file.Length() + offset
	default:
		return s.pos, invalidOpf("seek whence %v", whence)
	}
	s.pos = min(max(target, 0), s.file.Length())
	s.prioritize()
	s.logger.Levelf(log.Debug, "seeked to %v", s.pos)
	return s.pos, nil
}

func (s *Stream) Read(b []byte) (int, error) {
	return s.ReadContext(context.Background(), b)
}

// Reads from the cursor once the piece under it is complete, returning as much as the completed
// pieces from the cursor allow. Returns io.EOF at the end of the file without blocking.
func (s *Stream) ReadContext(ctx context.Context, b []byte) (n int, err error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.closed.IsSet() {
		return 0, ErrStreamClosed
	}
	pos := s.Position()
	remaining := s.file.Length() - pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}
	avail, err := s.waitAvailable(ctx, pos, min(int64(len(b)), remaining))
	if err != nil {
		return 0, err
	}
	n, err = s.t.ReadAt(b[:avail], s.file.Offset()+pos)
	if err == io.EOF && int64(n) == avail {
		err = nil
	}
	s.mu.Lock()
	// A concurrent seek wins.
	if s.pos == pos {
		s.pos += int64(n)
	}
	s.mu.Unlock()
	return
}

// Bytes of the file from off, up to want, that are in completed pieces.
func (s *Stream) available(off, want int64) int64 {
	layout := s.t.Layout()
	start := s.file.Offset() + off
	end := start
	for end < start+want {
		i := layout.PieceForOffset(end)
		if !s.t.PieceComplete(i) {
			break
		}
		end = layout.PieceOffset(i) + layout.PieceSize(i)
	}
	return min(end, start+want) - start
}

func (s *Stream) waitAvailable(ctx context.Context, off, want int64) (int64, error) {
	for {
		// Taken before checking, so a completion in between isn't missed.
		changed := s.t.PieceStateChanged()
		if n := s.available(off, want); n > 0 {
			return n, nil
		}
		select {
		case <-changed:
		case <-s.closed.Done():
			return 0, ErrStreamClosed
		case <-s.t.Closed():
			return 0, ErrStreamClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (s *Stream) prebuffer(ctx context.Context, n int64) error {
	want := min(n, s.file.Length())
	for off := int64(0); off < want; {
		avail, err := s.waitAvailable(ctx, off, want-off)
		if err != nil {
			return err
		}
		off += avail
	}
	return nil
}

// Releases any blocked read, and the file's stream slot.
func (s *Stream) Close() error {
	// Under mu so a concurrent Seek can't reprioritize after the release.
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.Set() {
		return nil
	}
	s.p.releaseStream(s)
	return nil
}
