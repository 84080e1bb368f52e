package streaming_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/piecestream/torrent"
	"github.com/piecestream/torrent/bitfield"
	"github.com/piecestream/torrent/internal/testutil"
	"github.com/piecestream/torrent/storage"
	"github.com/piecestream/torrent/streaming"
	"github.com/piecestream/torrent/types"
)

const pieceLength = 32

var movie = testutil.RandomTorrent("movie", pieceLength, 6, 7)

func newClient(t *testing.T, opts ...func(*torrent.ClientConfig)) (*torrent.Client, *torrent.ClientConfig) {
	cfg := torrent.TestingConfig(t)
	cfg.ChunkSize = 16
	for _, opt := range opts {
		opt(cfg)
	}
	cl, err := torrent.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl, cfg
}

func movieMetaInfo() *metainfo.MetaInfo {
	mi, _ := movie.Generate(pieceLength)
	return &mi
}

func startedProvider(t *testing.T, cl *torrent.Client, opts ...torrent.Option) *streaming.Provider {
	p := streaming.NewProvider(cl, movieMetaInfo(), opts...)
	require.NoError(t, p.Start())
	return p
}

// Feeds every block of the torrent from a single peer, in the order the torrent asks for them.
func download(tor *torrent.Torrent, data string) error {
	var id types.PeerID
	copy(id[:], "seeder")
	p, err := tor.AddPeer(id, "seeder:6881")
	if err != nil {
		return err
	}
	p.HaveAll()
	layout := tor.Layout()
	for {
		reqs := p.Request(4)
		if len(reqs) == 0 {
			return nil
		}
		for _, r := range reqs {
			off := layout.PieceOffset(r.Index) + int64(r.Begin)
			if _, err := tor.ReceiveBlock(p, r, []byte(data[off:off+int64(r.Length)])); err != nil {
				return err
			}
		}
	}
}

func TestProviderStartTwice(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	assert.Equal(t, streaming.Started, p.State())
	require.ErrorIs(t, p.Start(), torrent.ErrInvalidOperation)
	assert.Len(t, cl.Torrents(), 1)
	assert.Len(t, p.Files(), 1)
}

func TestProviderTorrentAddedElsewhere(t *testing.T) {
	cl, _ := newClient(t)
	md, err := torrent.NewFromMetaInfo(movieMetaInfo())
	require.NoError(t, err)
	existing, _, err := cl.AddTorrent(md)
	require.NoError(t, err)

	p := streaming.NewProvider(cl, movieMetaInfo())
	require.ErrorIs(t, p.Start(), torrent.ErrInvalidOperation)
	assert.Equal(t, streaming.Created, p.State())
	ts := cl.Torrents()
	require.Len(t, ts, 1)
	assert.Same(t, existing, ts[0])
	assert.Equal(t, torrent.TorrentStopped, existing.State())
}

func TestProviderLeavesTorrentAddedElsewhereUntouched(t *testing.T) {
	cl, _ := newClient(t)
	mi := movieMetaInfo()
	md, err := torrent.NewFromMagnet(metainfo.Magnet{InfoHash: mi.HashInfoBytes()}.String())
	require.NoError(t, err)
	existing, added, err := cl.AddTorrent(md)
	require.NoError(t, err)
	require.True(t, added)

	p := streaming.NewProvider(cl, mi)
	require.ErrorIs(t, p.Start(), torrent.ErrInvalidOperation)
	assert.Nil(t, existing.Info())
	assert.Nil(t, existing.Files())
	_, err = cl.MetadataStore().Read(mi.HashInfoBytes())
	assert.ErrorIs(t, err, torrent.ErrNoMetadata)
}

func TestProviderTransitions(t *testing.T) {
	cl, _ := newClient(t)
	p := streaming.NewProvider(cl, movieMetaInfo())
	require.ErrorIs(t, p.Pause(), torrent.ErrInvalidOperation)
	require.ErrorIs(t, p.Resume(), torrent.ErrInvalidOperation)
	require.ErrorIs(t, p.Stop(), torrent.ErrInvalidOperation)
	assert.Nil(t, p.Files())

	require.NoError(t, p.Start())
	require.ErrorIs(t, p.Resume(), torrent.ErrInvalidOperation)
	require.NoError(t, p.Pause())
	assert.Equal(t, torrent.TorrentPaused, p.Torrent().State())
	require.ErrorIs(t, p.Pause(), torrent.ErrInvalidOperation)
	require.NoError(t, p.Resume())
	assert.Equal(t, torrent.TorrentDownloading, p.Torrent().State())

	tor := p.Torrent()
	require.NoError(t, p.Stop())
	assert.Equal(t, streaming.Stopped, p.State())
	require.ErrorIs(t, p.Stop(), torrent.ErrInvalidOperation)
	require.ErrorIs(t, p.Start(), torrent.ErrInvalidOperation)
	assert.Empty(t, cl.Torrents())
	select {
	case <-tor.Closed():
	default:
		t.Fatal("torrent not closed")
	}
}

func TestProviderStopFromPaused(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	require.NoError(t, p.Pause())
	require.NoError(t, p.Stop())
	assert.Empty(t, cl.Torrents())
}

func TestProviderTorrentStoppedElsewhere(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	require.NoError(t, p.Torrent().Stop())
	require.ErrorIs(t, p.Pause(), torrent.ErrInvalidOperation)
	require.ErrorIs(t, p.Stop(), torrent.ErrInvalidOperation)
	assert.Equal(t, streaming.Started, p.State())
}

func TestProviderTorrentRemovedElsewhere(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	require.NoError(t, cl.RemoveTorrent(p.InfoHash()))
	require.ErrorIs(t, p.Stop(), torrent.ErrInvalidOperation)
	_, err := p.WaitForMetadata(context.Background())
	// The info was known before the removal.
	require.NoError(t, err)
}

func TestMagnetUsesCachedMetadata(t *testing.T) {
	cl, _ := newClient(t)
	mi := movieMetaInfo()
	md, err := torrent.NewFromMetaInfo(mi)
	require.NoError(t, err)
	require.NoError(t, cl.MetadataStore().Write(md))

	p, err := streaming.NewMagnetProvider(cl, metainfo.Magnet{InfoHash: md.InfoHash}.String())
	require.NoError(t, err)
	assert.Nil(t, p.Files())
	require.NoError(t, p.Start())
	files := p.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "movie", files[0].Path())
	assert.Equal(t, torrent.TorrentDownloading, p.Torrent().State())
}

func TestMagnetIgnoresMismatchedCache(t *testing.T) {
	cl, cfg := newClient(t)
	ih := movieMetaInfo().HashInfoBytes()
	other, _ := testutil.Greeting.Generate(5)
	b, err := bencode.Marshal(other)
	require.NoError(t, err)
	dir := filepath.Join(cfg.DataDir, ".metadata")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ih.HexString()+".torrent"), b, 0o600))

	p, err := streaming.NewMagnetProvider(cl, metainfo.Magnet{InfoHash: ih}.String())
	require.NoError(t, err)
	require.NoError(t, p.Start())
	assert.Nil(t, p.Files())
	assert.Equal(t, torrent.TorrentMetadata, p.Torrent().State())
}

func TestMagnetFetchesMetadata(t *testing.T) {
	mi := movieMetaInfo()
	cl, _ := newClient(t, func(cfg *torrent.ClientConfig) {
		cfg.MetadataSource = torrent.MetadataSourceFunc(func(ctx context.Context, ih metainfo.Hash) ([]byte, error) {
			return mi.InfoBytes, nil
		})
	})
	p, err := streaming.NewMagnetProvider(cl, metainfo.Magnet{InfoHash: mi.HashInfoBytes()}.String())
	require.NoError(t, err)
	require.NoError(t, p.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	files, err := p.WaitForMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.EqualValues(t, len(movie.Data()), files[0].Length())
}

func TestStopCancelsMetadataWait(t *testing.T) {
	cl, _ := newClient(t)
	p, err := streaming.NewMagnetProvider(cl, metainfo.Magnet{InfoHash: movieMetaInfo().HashInfoBytes()}.String())
	require.NoError(t, err)
	require.NoError(t, p.Start())
	waited := make(chan error, 1)
	go func() {
		files, err := p.WaitForMetadata(context.Background())
		if files != nil {
			err = fmt.Errorf("got files %v", files)
		}
		waited <- err
	}()
	require.NoError(t, p.Stop())
	select {
	case err := <-waited:
		require.ErrorIs(t, err, streaming.ErrProviderStopped)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("metadata wait not released")
	}
}

func TestWaitForMetadataContext(t *testing.T) {
	cl, _ := newClient(t)
	p, err := streaming.NewMagnetProvider(cl, metainfo.Magnet{InfoHash: movieMetaInfo().HashInfoBytes()}.String())
	require.NoError(t, err)
	_, err = p.WaitForMetadata(context.Background())
	require.ErrorIs(t, err, torrent.ErrInvalidOperation)
	require.NoError(t, p.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err = p.WaitForMetadata(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOneStreamPerFile(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	f := p.Files()[0]
	ctx := context.Background()
	s, err := p.CreateStream(ctx, f, false)
	require.NoError(t, err)
	_, err = p.CreateStream(ctx, f, false)
	require.ErrorIs(t, err, torrent.ErrInvalidOperation)
	require.NoError(t, s.Close())
	s, err = p.CreateStream(ctx, f, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestCreateStreamRequiresStart(t *testing.T) {
	cl, _ := newClient(t)
	other := startedProvider(t, cl)
	p := streaming.NewProvider(cl, testutil.GreetingMetaInfo())
	_, err := p.CreateStream(context.Background(), other.Files()[0], false)
	require.ErrorIs(t, err, torrent.ErrInvalidOperation)
	require.NoError(t, p.Start())
	// A file from another torrent.
	_, err = p.CreateStream(context.Background(), other.Files()[0], false)
	require.ErrorIs(t, err, torrent.ErrInvalidOperation)
}

func TestSeekClamps(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	s, err := p.CreateStream(context.Background(), p.Files()[0], false)
	require.NoError(t, err)
	defer s.Close()
	length := s.Length()
	for _, tc := range []struct {
		offset int64
		whence int
		want   int64
	}{
		{-1, io.SeekStart, 0},
		{length + 1, io.SeekStart, length},
		{1 << 40, io.SeekStart, length},
		{10, io.SeekStart, 10},
		{5, io.SeekCurrent, 15},
		{-100, io.SeekCurrent, 0},
		{-3, io.SeekEnd, length - 3},
		{3, io.SeekEnd, length},
	} {
		pos, err := s.Seek(tc.offset, tc.whence)
		require.NoError(t, err)
		assert.Equal(t, tc.want, pos, "seek %v from %v", tc.offset, tc.whence)
		assert.Equal(t, tc.want, s.Position())
	}
	_, err = s.Seek(0, 42)
	require.ErrorIs(t, err, torrent.ErrInvalidOperation)
}

func TestSeekSetsHighPriorityPiece(t *testing.T) {
	cl, _ := newClient(t)
	big := testutil.RandomTorrent("big", pieceLength, 1024, 0)
	mi, _ := big.Generate(pieceLength)
	p := streaming.NewProvider(cl, &mi)
	require.NoError(t, p.Start())
	tor := p.Torrent()
	require.Equal(t, 1024, tor.NumPieces())
	s, err := p.CreateStream(context.Background(), p.Files()[0], false)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 0, tor.HighPriorityPiece().Value)

	_, err = s.Seek(12345, io.SeekStart)
	require.NoError(t, err)
	hp := tor.HighPriorityPiece()
	require.True(t, hp.Ok)
	assert.Equal(t, 12345/pieceLength, hp.Value)

	// Seeking moves the target but leaves outstanding requests alone.
	var id types.PeerID
	copy(id[:], "a")
	peer, err := tor.AddPeer(id, "a")
	require.NoError(t, err)
	peer.HaveAll()
	reqs := peer.Request(2)
	require.Len(t, reqs, 2)
	assert.Equal(t, 12345/pieceLength, reqs[0].Index)
	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, 0, tor.HighPriorityPiece().Value)
	assert.Equal(t, 2, tor.Picker().CurrentRequestCount())
}

func TestClosingLastStreamClearsHighPriorityPiece(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	tor := p.Torrent()
	s, err := p.CreateStream(context.Background(), p.Files()[0], false)
	require.NoError(t, err)
	_, err = s.Seek(2*pieceLength, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, 2, tor.HighPriorityPiece().Value)
	require.NoError(t, s.Close())
	assert.False(t, tor.HighPriorityPiece().Ok)
	// Seeking a closed stream doesn't bring it back.
	_, err = s.Seek(0, io.SeekStart)
	require.ErrorIs(t, err, streaming.ErrStreamClosed)
	assert.False(t, tor.HighPriorityPiece().Ok)
}

func TestConcurrentSeeksAndDownloads(t *testing.T) {
	const numPieces = 256
	cl, _ := newClient(t)
	big := testutil.RandomTorrent("big", pieceLength, numPieces, 9)
	mi, _ := big.Generate(pieceLength)
	p := streaming.NewProvider(cl, &mi)
	require.NoError(t, p.Start())
	tor := p.Torrent()
	s, err := p.CreateStream(context.Background(), p.Files()[0], false)
	require.NoError(t, err)
	defer s.Close()
	data := big.Data()
	layout := tor.Layout()

	var eg errgroup.Group
	peers := make([]*torrent.Peer, 4)
	held := make([]map[types.Request]struct{}, len(peers))
	for i := range peers {
		var id types.PeerID
		copy(id[:], fmt.Sprintf("peer%d", i))
		peers[i], err = tor.AddPeer(id, fmt.Sprintf("peer%d:6881", i))
		require.NoError(t, err)
		peers[i].HaveAll()
		held[i] = make(map[types.Request]struct{})
	}
	for i, peer := range peers {
		eg.Go(func() error {
			for range 100 {
				reqs := peer.Request(4)
				for _, r := range reqs {
					held[i][r] = struct{}{}
				}
				// The last of each batch stays outstanding.
				for _, r := range reqs[:max(len(reqs)-1, 0)] {
					off := layout.PieceOffset(r.Index) + int64(r.Begin)
					if _, err := tor.ReceiveBlock(peer, r, []byte(data[off:off+int64(r.Length)])); err != nil {
						return err
					}
					delete(held[i], r)
				}
			}
			return nil
		})
	}
	eg.Go(func() error {
		for i := range 500 {
			if _, err := s.Seek(int64(i*37%numPieces)*pieceLength, io.SeekStart); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, eg.Wait())

	active := tor.Picker().ExportActiveRequests()
	assert.Equal(t, len(active), tor.Picker().CurrentRequestCount())
	for i, peer := range peers {
		var want, got []types.Request
		for r := range held[i] {
			want = append(want, r)
		}
		for _, ar := range active {
			if ar.Peer == types.Peer(peer) {
				got = append(got, ar.Request)
			}
		}
		assert.ElementsMatch(t, want, got, "outstanding for %v", peer)
	}
}

func TestReadAtEndOfStream(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	s, err := p.CreateStream(context.Background(), p.Files()[0], false)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	// Nothing is downloaded, so a read that waited would never return.
	n, err := s.Read(make([]byte, 10))
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)
}

func TestReadBlocksUntilDownloaded(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	s, err := p.CreateStream(context.Background(), p.Files()[0], false)
	require.NoError(t, err)
	defer s.Close()

	downloaded := make(chan error, 1)
	go func() {
		downloaded <- download(p.Torrent(), movie.Data())
	}()
	b, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, movie.Data(), string(b))
	require.NoError(t, <-downloaded)
	assert.Equal(t, torrent.TorrentSeeding, p.Torrent().State())
}

func TestReadCompletedPieces(t *testing.T) {
	dir := t.TempDir()
	cl, _ := newClient(t)
	mi := movieMetaInfo()
	info, err := mi.UnmarshalInfo()
	require.NoError(t, err)
	path := filepath.Join(dir, mi.HashInfoBytes().HexString(), info.Name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(movie.Data()), 0o600))
	completed := bitfield.New(info.NumPieces())
	completed.SetAll(true)

	p := startedProvider(t, cl, torrent.OptionStorage(storage.NewFile(dir)), torrent.OptionCompletedPieces(completed))
	assert.Equal(t, torrent.TorrentSeeding, p.Torrent().State())
	s, err := p.CreateStream(context.Background(), p.Files()[0], true)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Seek(40, io.SeekStart)
	require.NoError(t, err)
	b := make([]byte, 10)
	n, err := io.ReadFull(s, b)
	require.NoError(t, err)
	assert.Equal(t, movie.Data()[40:50], string(b[:n]))
	assert.EqualValues(t, 50, s.Position())
}

func TestReadContextDeadline(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	s, err := p.CreateStream(context.Background(), p.Files()[0], false)
	require.NoError(t, err)
	defer s.Close()
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(time.Millisecond))
	defer cancel()
	_, err = s.ReadContext(ctx, make([]byte, 1))
	require.EqualValues(t, context.DeadlineExceeded, err)
	assert.Zero(t, s.Position())
}

func TestStopReleasesBlockedRead(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	s, err := p.CreateStream(context.Background(), p.Files()[0], false)
	require.NoError(t, err)
	read := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 1))
		read <- err
	}()
	require.NoError(t, p.Stop())
	select {
	case err := <-read:
		require.ErrorIs(t, err, streaming.ErrStreamClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("read not released")
	}
	_, err = s.Read(make([]byte, 1))
	require.ErrorIs(t, err, streaming.ErrStreamClosed)
	require.NoError(t, s.Close())
}

func TestCloseReleasesBlockedRead(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	f := p.Files()[0]
	s, err := p.CreateStream(context.Background(), f, false)
	require.NoError(t, err)
	read := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 1))
		read <- err
	}()
	require.NoError(t, s.Close())
	require.ErrorIs(t, <-read, streaming.ErrStreamClosed)
	s, err = p.CreateStream(context.Background(), f, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestPrebuffer(t *testing.T) {
	cl, _ := newClient(t, func(cfg *torrent.ClientConfig) {
		cfg.PrebufferBytes = pieceLength + 1
	})
	p := startedProvider(t, cl)
	type result struct {
		s   *streaming.Stream
		err error
	}
	created := make(chan result, 1)
	go func() {
		s, err := p.CreateStream(context.Background(), p.Files()[0], true)
		created <- result{s, err}
	}()
	select {
	case <-created:
		t.Fatal("stream created before prebuffering")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, download(p.Torrent(), movie.Data()))
	r := <-created
	require.NoError(t, r.err)
	defer r.s.Close()
	assert.True(t, p.Torrent().PieceComplete(0))
	assert.True(t, p.Torrent().PieceComplete(1))
}

func TestPrebufferCancelled(t *testing.T) {
	cl, _ := newClient(t)
	p := startedProvider(t, cl)
	f := p.Files()[0]
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.CreateStream(ctx, f, true)
	require.True(t, errors.Is(err, context.Canceled))
	// The slot was released.
	s, err := p.CreateStream(context.Background(), f, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
