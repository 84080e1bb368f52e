package torrent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/piecestream/torrent/internal/testutil"
)

func greetingMetadata(t *testing.T) Metadata {
	md, err := NewFromMetaInfo(testutil.GreetingMetaInfo(), OptionTrackers([][]string{{"http://tracker.example/announce"}}))
	require.NoError(t, err)
	return md
}

func testMetadataStore(t *testing.T, store MetadataStore) {
	md := greetingMetadata(t)

	_, err := store.Read(md.InfoHash)
	require.ErrorIs(t, err, ErrNoMetadata)

	require.NoError(t, store.Write(md))
	cached, err := store.Read(md.InfoHash)
	require.NoError(t, err)
	require.Equal(t, md.InfoHash, cached.InfoHash)
	require.Equal(t, md.InfoBytes, cached.InfoBytes)
	require.Equal(t, md.Trackers, cached.Trackers)
	require.Equal(t, testutil.GreetingFileName, cached.DisplayName)

	require.NoError(t, store.Delete(md.InfoHash))
	_, err = store.Read(md.InfoHash)
	require.ErrorIs(t, err, ErrNoMetadata)
	require.NoError(t, store.Delete(md.InfoHash))
}

func TestMetadataCache(t *testing.T) {
	testMetadataStore(t, NewMetadataCache(t.TempDir()))
}

func TestBoltMetadataCache(t *testing.T) {
	store, err := NewBoltMetadataCache(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	defer store.Close()
	testMetadataStore(t, store)
}

func TestMetadataCacheRefusesMismatchedWrite(t *testing.T) {
	md := greetingMetadata(t)
	md.InfoHash = metainfo.HashBytes([]byte("something else"))
	require.ErrorIs(t, NewMetadataCache(t.TempDir()).Write(md), ErrMetadataMismatch)
	require.ErrorIs(t, NewMetadataCache(t.TempDir()).Write(New(md.InfoHash)), ErrNoMetadata)
}

// A cached file that doesn't hash to the infohash it's stored under.
func mismatchedCacheEntry(t *testing.T) (metainfo.Hash, []byte) {
	tt := testutil.RandomTorrent("other", 16, 2, 0)
	other, _ := tt.Generate(16)
	b, err := bencode.Marshal(other)
	require.NoError(t, err)
	return testutil.GreetingMetaInfo().HashInfoBytes(), b
}

func TestMetadataCacheMismatch(t *testing.T) {
	dir := t.TempDir()
	store := NewMetadataCache(dir)
	ih, b := mismatchedCacheEntry(t)
	require.NoError(t, os.WriteFile(store.path(ih), b, 0o600))
	_, err := store.Read(ih)
	require.ErrorIs(t, err, ErrMetadataMismatch)
}

func TestBoltMetadataCacheMismatch(t *testing.T) {
	store, err := NewBoltMetadataCache(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	defer store.Close()
	ih, b := mismatchedCacheEntry(t)
	require.NoError(t, store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucketKey).Put(ih.Bytes(), b)
	}))
	_, err = store.Read(ih)
	require.ErrorIs(t, err, ErrMetadataMismatch)
}

func TestMetadataCacheCorrupt(t *testing.T) {
	store := NewMetadataCache(t.TempDir())
	ih := testutil.GreetingMetaInfo().HashInfoBytes()
	require.NoError(t, os.MkdirAll(store.root, 0o700))
	require.NoError(t, os.WriteFile(store.path(ih), []byte("not bencode"), 0o600))
	_, err := store.Read(ih)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoMetadata)
}
