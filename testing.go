package torrent

import (
	"testing"

	"github.com/anacrolix/log"

	"github.com/piecestream/torrent/storage"
)

// A config for tests: data and metadata under the test's temporary directory, and storage in memory.
func TestingConfig(t testing.TB) *ClientConfig {
	cfg := NewDefaultClientConfig()
	cfg.DataDir = t.TempDir()
	cfg.DefaultStorage = storage.NewMemory()
	cfg.Logger = log.Default.WithContextText(t.Name())
	return cfg
}
