package torrent

import (
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/piecestream/torrent/bitfield"
	"github.com/piecestream/torrent/storage"
)

// Option for the torrent.
type Option func(*Metadata)

// OptionTrackers set the trackers for the torrent.
func OptionTrackers(trackers [][]string) Option {
	return func(t *Metadata) {
		t.Trackers = trackers
	}
}

// OptionDisplayName set the display name for the torrent.
func OptionDisplayName(dn string) Option {
	return func(t *Metadata) {
		t.DisplayName = dn
	}
}

// OptionInfo set the info bytes for the torrent.
func OptionInfo(i []byte) Option {
	return func(t *Metadata) {
		t.InfoBytes = i
	}
}

// OptionChunk sets the size of the chunks to use for outbound requests
func OptionChunk(s int) Option {
	return func(t *Metadata) {
		t.ChunkSize = s
	}
}

// OptionStorage set the storage implementation for the torrent.
func OptionStorage(s storage.ClientImpl) Option {
	return func(t *Metadata) {
		t.Storage = s
	}
}

// OptionCompletedPieces marks pieces as already downloaded and verified when the torrent gets its
// info, without hashing them. Used to seed state in tests and by callers that track completion
// themselves.
func OptionCompletedPieces(bf *bitfield.BitField) Option {
	return func(t *Metadata) {
		t.CompletedPieces = bf
	}
}

// Metadata specifies the metadata of a torrent for adding to a client.
// There are helpers for magnet URIs and torrent metainfo files.
type Metadata struct {
	// The tiered tracker URIs.
	Trackers  [][]string
	InfoHash  metainfo.Hash
	InfoBytes []byte
	// The name to use if the Name field from the Info isn't available.
	DisplayName string
	// The chunk size to use for outbound requests. Defaults to the client's if not set.
	ChunkSize       int
	Storage         storage.ClientImpl
	CompletedPieces *bitfield.BitField
}

func (t Metadata) merge(options ...Option) Metadata {
	for _, opt := range options {
		opt(&t)
	}
	return t
}

// Whether the info bytes hash to the infohash.
func (t Metadata) verify() error {
	if len(t.InfoBytes) == 0 {
		return ErrNoMetadata
	}
	if actual := metainfo.HashBytes(t.InfoBytes); actual != t.InfoHash {
		return errors.Wrapf(ErrMetadataMismatch, "info hashes to %v, expected %v", actual, t.InfoHash)
	}
	return nil
}

// The metainfo to persist, for metadata caches.
func (t Metadata) Metainfo() metainfo.MetaInfo {
	return metainfo.MetaInfo{
		InfoBytes:    t.InfoBytes,
		AnnounceList: t.Trackers,
	}
}

func New(ih metainfo.Hash, options ...Option) Metadata {
	return Metadata{
		InfoHash: ih,
	}.merge(options...)
}

// NewFromMetaInfo create a torrent from the metainfo.MetaInfo and any additional options.
func NewFromMetaInfo(mi *metainfo.MetaInfo, options ...Option) (t Metadata, err error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return t, errors.WithStack(err)
	}
	return New(
		mi.HashInfoBytes(),
		OptionInfo(mi.InfoBytes),
		OptionDisplayName(info.Name),
		OptionTrackers(mi.UpvertedAnnounceList()),
	).merge(options...), nil
}

// NewFromMetaInfoFile loads torrent metadata stored in a file.
func NewFromMetaInfoFile(path string, options ...Option) (t Metadata, err error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return t, errors.WithStack(err)
	}
	return NewFromMetaInfo(mi, options...)
}

// NewFromMagnet creates a torrent from a magnet uri.
func NewFromMagnet(uri string, options ...Option) (t Metadata, err error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return t, errors.WithStack(err)
	}
	var trackers [][]string
	if len(m.Trackers) != 0 {
		trackers = [][]string{m.Trackers}
	}
	return New(
		m.InfoHash,
		OptionDisplayName(m.DisplayName),
		OptionTrackers(trackers),
	).merge(options...), nil
}
