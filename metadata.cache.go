package torrent

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	pkgerrors "github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// Persists torrent metadata so magnets can skip fetching info from the swarm. Reads verify the
// stored info against the infohash, and fail with ErrMetadataMismatch instead of returning data
// that doesn't match. A missing entry is ErrNoMetadata.
type MetadataStore interface {
	Read(id metainfo.Hash) (Metadata, error)
	Write(md Metadata) error
	Delete(id metainfo.Hash) error
}

func decodeCachedMetadata(id metainfo.Hash, b []byte) (md Metadata, err error) {
	mi, err := metainfo.Load(bytes.NewReader(b))
	if err != nil {
		return md, pkgerrors.Wrapf(err, "decoding cached metainfo for %v", id)
	}
	md = New(id, OptionInfo(mi.InfoBytes), OptionTrackers(mi.UpvertedAnnounceList()))
	if err = md.verify(); err != nil {
		return Metadata{}, err
	}
	var info metainfo.Info
	if err = bencode.Unmarshal(mi.InfoBytes, &info); err != nil {
		return Metadata{}, pkgerrors.Wrap(err, "unmarshalling cached info")
	}
	md.DisplayName = info.Name
	return md, nil
}

func encodeCachedMetadata(md Metadata) ([]byte, error) {
	if err := md.verify(); err != nil {
		return nil, err
	}
	return bencode.Marshal(md.Metainfo())
}

// NewMetadataCache stores metadata as <hex infohash>.torrent files in root.
func NewMetadataCache(root string) metadatafilestore {
	return metadatafilestore{
		root: root,
	}
}

type metadatafilestore struct {
	root string
}

func (t metadatafilestore) path(id metainfo.Hash) string {
	return filepath.Join(t.root, id.HexString()+".torrent")
}

func (t metadatafilestore) Read(id metainfo.Hash) (Metadata, error) {
	b, err := os.ReadFile(t.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, ErrNoMetadata
	}
	if err != nil {
		return Metadata{}, pkgerrors.WithStack(err)
	}
	return decodeCachedMetadata(id, b)
}

func (t metadatafilestore) Write(md Metadata) error {
	encoded, err := encodeCachedMetadata(md)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(t.root, 0o700); err != nil {
		return pkgerrors.Wrap(err, "ensuring metadata cache root directory")
	}
	// Write then rename, so concurrent readers never see a partial file.
	tmp, err := os.CreateTemp(t.root, ".*.torrent.tmp")
	if err != nil {
		return pkgerrors.WithStack(err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(encoded); err != nil {
		tmp.Close()
		return pkgerrors.WithStack(err)
	}
	if err = tmp.Close(); err != nil {
		return pkgerrors.WithStack(err)
	}
	return pkgerrors.WithStack(os.Rename(tmp.Name(), t.path(md.InfoHash)))
}

func (t metadatafilestore) Delete(id metainfo.Hash) error {
	err := os.Remove(t.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return pkgerrors.WithStack(err)
}

var metadataBucketKey = []byte("metadata")

type boltMetadataStore struct {
	db *bbolt.DB
}

// NewBoltMetadataCache stores metadata in a bbolt database at path, keyed by infohash.
func NewBoltMetadataCache(path string) (*boltMetadataStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening %q", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, pkgerrors.WithStack(err)
	}
	return &boltMetadataStore{db}, nil
}

func (me *boltMetadataStore) Read(id metainfo.Hash) (md Metadata, err error) {
	var b []byte
	err = me.db.View(func(tx *bbolt.Tx) error {
		// Values are only valid for the life of the transaction.
		b = bytes.Clone(tx.Bucket(metadataBucketKey).Get(id.Bytes()))
		return nil
	})
	if err != nil {
		return md, pkgerrors.WithStack(err)
	}
	if b == nil {
		return md, ErrNoMetadata
	}
	return decodeCachedMetadata(id, b)
}

func (me *boltMetadataStore) Write(md Metadata) error {
	encoded, err := encodeCachedMetadata(md)
	if err != nil {
		return err
	}
	return me.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucketKey).Put(md.InfoHash.Bytes(), encoded)
	})
}

func (me *boltMetadataStore) Delete(id metainfo.Hash) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucketKey).Delete(id.Bytes())
	})
}

func (me *boltMetadataStore) Close() error {
	return me.db.Close()
}
