// Serves a file of a torrent over HTTP, range requests becoming stream seeks.
//
// Peer transport isn't part of this module, so what's served is whatever data already verifies in
// the data directory.
//
//	$ torrent-stream --data-dir ~/Downloads --file 1 ubuntu.torrent
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/piecestream/torrent"
	"github.com/piecestream/torrent/streaming"
)

var flags struct {
	Addr      string `default:":8080" help:"address to serve the stream on"`
	DataDir   string `arg:"--data-dir" default:"." help:"directory holding torrent data"`
	BoltCache string `arg:"--bolt-cache" help:"keep cached metadata in this bbolt database instead of a directory"`
	File      int    `help:"index of the file to stream"`
	Prebuffer bool   `help:"wait for the start of the file before serving"`
	Debug     bool   `help:"enable debug logging"`
	Source    string `arg:"positional,required" help:"metainfo file or magnet link"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Default.Levelf(log.Error, "error: %v", err)
		os.Exit(1)
	}
}

func newProvider(cl *torrent.Client, source string) (*streaming.Provider, error) {
	if strings.HasPrefix(source, "magnet:") {
		return streaming.NewMagnetProvider(cl, source)
	}
	mi, err := metainfo.LoadFromFile(source)
	if err != nil {
		return nil, fmt.Errorf("loading metainfo: %w", err)
	}
	return streaming.NewProvider(cl, mi), nil
}

// Reads a stream for the lifetime of an HTTP request, so a client that goes away stops waiting on
// data that isn't there yet.
type requestReader struct {
	ctx context.Context
	s   *streaming.Stream
}

func (me requestReader) Read(b []byte) (int, error) {
	return me.s.ReadContext(me.ctx, b)
}

func (me requestReader) Seek(offset int64, whence int) (int64, error) {
	return me.s.Seek(offset, whence)
}

// One stream per file, so requests take turns with the cursor.
func streamHandler(name string, s *streaming.Stream) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		http.ServeContent(w, r, name, time.Time{}, requestReader{r.Context(), s})
	}
}

func mainErr() error {
	arg.MustParse(&flags)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = flags.DataDir
	cfg.Debug = flags.Debug
	if flags.BoltCache != "" {
		store, err := torrent.NewBoltMetadataCache(flags.BoltCache)
		if err != nil {
			return err
		}
		defer store.Close()
		cfg.MetadataStore = store
	}
	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer cl.Close()
	if err := torrent.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	prometheus.MustRegister(cl.MetricsCollector())

	p, err := newProvider(cl, flags.Source)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	defer p.Stop()
	fmt.Printf("waiting for info of %v\n", p.InfoHash())
	files, err := p.WaitForMetadata(ctx)
	if err != nil {
		return err
	}
	if flags.File < 0 || flags.File >= len(files) {
		return fmt.Errorf("file %v out of range, torrent has %v", flags.File, len(files))
	}
	t := p.Torrent()
	started := time.Now()
	if err := t.VerifyData(ctx); err != nil {
		return fmt.Errorf("verifying data: %w", err)
	}
	fmt.Printf("%v: verified %q: %s/%s, %d/%d pieces\n",
		time.Since(started),
		t.Name(),
		humanize.Bytes(uint64(t.BytesCompleted())),
		humanize.Bytes(uint64(t.Length())),
		t.Completed().TrueCount(),
		t.NumPieces(),
	)

	f := files[flags.File]
	s, err := p.CreateStream(ctx, f, flags.Prebuffer)
	if err != nil {
		return err
	}
	defer s.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", streamHandler(f.Path(), s))
	srv := &http.Server{Addr: flags.Addr, Handler: mux}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		fmt.Printf("serving %q (%s) on %v\n", f.Path(), humanize.Bytes(uint64(f.Length())), flags.Addr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				fmt.Printf("%v: %q at %s of %s, %s of file complete\n",
					time.Since(started),
					f.Path(),
					humanize.Bytes(uint64(s.Position())),
					humanize.Bytes(uint64(f.Length())),
					humanize.Bytes(uint64(f.BytesCompleted())),
				)
			}
		}
	})
	return eg.Wait()
}
