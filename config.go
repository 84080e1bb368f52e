package torrent

import (
	"context"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/piecestream/torrent/picker"
	"github.com/piecestream/torrent/storage"
)

// Fetches info bytes for an infohash from the swarm. This is the boundary to the peer-wire metadata
// exchange, which lives outside this module.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, ih metainfo.Hash) ([]byte, error)
}

type MetadataSourceFunc func(ctx context.Context, ih metainfo.Hash) ([]byte, error)

func (f MetadataSourceFunc) FetchMetadata(ctx context.Context, ih metainfo.Hash) ([]byte, error) {
	return f(ctx, ih)
}

// Probably not safe to modify this after it's given to a Client, or to pass it to multiple Clients.
type ClientConfig struct {
	// Store torrent file data in this directory unless DefaultStorage is specified.
	DataDir string `long:"data-dir" description:"directory to store downloaded torrent data"`
	// Called to instantiate storage for each added torrent. Builtin backends are in the storage
	// package. If not set, the "file" implementation is used (and Closed when the Client is Closed).
	DefaultStorage storage.ClientImplCloser
	// Where fetched metadata is kept for magnets. Defaults to a directory store in DataDir.
	MetadataStore MetadataStore
	// Used by torrents without info. If nil, info must be given with Torrent.SetInfoBytes.
	MetadataSource MetadataSource

	// The chunk size to use for outbound requests.
	ChunkSize int
	// Copies of a block that may be outstanding at once in endgame.
	MaxDuplicateRequests int
	// Pieces after a stream's read position that are fetched ahead of the rest.
	StreamingWindow int
	// Leading bytes of a file a prebuffered stream waits for.
	PrebufferBytes int64

	// Perform logging and any other behaviour that will help debug.
	Debug  bool `help:"enable debugging"`
	Logger log.Logger
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DataDir:              ".",
		ChunkSize:            picker.DefaultChunkSize,
		MaxDuplicateRequests: 2,
		StreamingWindow:      8,
		PrebufferBytes:       4 << 20,
		Logger:               log.Default,
	}
}

func (cfg *ClientConfig) metadataStore() MetadataStore {
	if cfg.MetadataStore != nil {
		return cfg.MetadataStore
	}
	return NewMetadataCache(filepath.Join(cfg.DataDir, ".metadata"))
}
