package picker

import (
	"fmt"

	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/piecestream/torrent/types"
)

// The size of chunks requested from peers over the wire. 16 KiB by convention.
const DefaultChunkSize = 1 << 14

// Layout is the piece and chunk geometry of a torrent.
type Layout struct {
	PieceLength int64
	TotalLength int64
	ChunkSize   int
}

func NewLayout(pieceLength, totalLength int64, chunkSize int) Layout {
	panicif.LessThan(pieceLength, 1)
	panicif.LessThan(totalLength, 0)
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return Layout{
		PieceLength: pieceLength,
		TotalLength: totalLength,
		ChunkSize:   chunkSize,
	}
}

func (l Layout) NumPieces() int {
	if l.PieceLength == 0 {
		return 0
	}
	return int((l.TotalLength + l.PieceLength - 1) / l.PieceLength)
}

func (l Layout) PieceSize(piece pieceIndex) int64 {
	if piece == l.NumPieces()-1 {
		return l.TotalLength - int64(piece)*l.PieceLength
	}
	return l.PieceLength
}

func (l Layout) PieceOffset(piece pieceIndex) int64 {
	return int64(piece) * l.PieceLength
}

func (l Layout) ChunksInPiece(piece pieceIndex) int {
	return int((l.PieceSize(piece) + int64(l.ChunkSize) - 1) / int64(l.ChunkSize))
}

func (l Layout) ChunkRequest(piece pieceIndex, chunk int) types.Request {
	begin := chunk * l.ChunkSize
	length := int(min(int64(l.ChunkSize), l.PieceSize(piece)-int64(begin)))
	return types.NewRequest(piece, begin, length)
}

// Returns the chunk index of r within its piece, or an error if r isn't a chunk boundary request
// this layout would produce.
func (l Layout) ChunkIndex(r types.Request) (int, error) {
	if r.Index < 0 || r.Index >= l.NumPieces() {
		return 0, fmt.Errorf("piece index %v out of range", r.Index)
	}
	if r.Begin < 0 || r.Begin%l.ChunkSize != 0 {
		return 0, fmt.Errorf("begin %v not aligned to chunk size %v", r.Begin, l.ChunkSize)
	}
	chunk := r.Begin / l.ChunkSize
	if chunk >= l.ChunksInPiece(r.Index) {
		return 0, fmt.Errorf("begin %v beyond piece %v", r.Begin, r.Index)
	}
	if want := l.ChunkRequest(r.Index, chunk); want != r {
		return 0, fmt.Errorf("length %v, expected %v", r.Length, want.Length)
	}
	return chunk, nil
}

// The piece containing the byte at off. Offsets at or past the end map to the last piece.
func (l Layout) PieceForOffset(off int64) pieceIndex {
	n := l.NumPieces()
	if n == 0 {
		return 0
	}
	i := int(max(off, 0) / l.PieceLength)
	return min(i, n-1)
}

// Clamps an inclusive piece range to the pieces that exist.
func (l Layout) clampRange(start, end int) (int, int) {
	return max(start, 0), min(end, l.NumPieces()-1)
}
