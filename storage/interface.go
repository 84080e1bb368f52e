// Package storage holds piece data for torrents. A backend is opened per torrent once its info is
// known, and exposes the torrent's files concatenated as one flat address space.
package storage

import (
	"io"

	"github.com/anacrolix/torrent/metainfo"
)

// Represents data storage for an unspecified torrent.
type ClientImpl interface {
	OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (TorrentImpl, error)
}

type ClientImplCloser interface {
	ClientImpl
	Close() error
}

// Data storage bound to a torrent. Offsets are into the concatenation of the torrent's files.
// Reads of data never written return zeroes, and fail piece verification.
type TorrentImpl interface {
	io.ReaderAt
	io.WriterAt
	Close() error
}
