package torrent

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	blocksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piecestream",
		Name:      "blocks_received_total",
		Help:      "Blocks accepted from peers.",
	})
	piecesVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piecestream",
		Name:      "pieces_verified_total",
		Help:      "Pieces that passed their hash check.",
	})
	hashFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piecestream",
		Name:      "piece_hash_failures_total",
		Help:      "Completed pieces that failed their hash check.",
	})
	torrentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piecestream",
		Name:      "torrents",
		Help:      "Torrents added to clients.",
	})
)

// Registers the package's metrics.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		blocksReceived,
		piecesVerified,
		hashFailures,
		torrentsActive,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Outstanding and received block counts across a client's torrents, read at collection time.
type clientCollector struct {
	cl          *Client
	outstanding *prometheus.Desc
	received    *prometheus.Desc
}

// A collector of the client's picker counters, labelled by infohash.
func (cl *Client) MetricsCollector() prometheus.Collector {
	return clientCollector{
		cl: cl,
		outstanding: prometheus.NewDesc(
			"piecestream_requests_outstanding",
			"Block requests issued and not yet answered.",
			[]string{"infohash"}, nil),
		received: prometheus.NewDesc(
			"piecestream_blocks_received_pending",
			"Received blocks of pieces still in progress.",
			[]string{"infohash"}, nil),
	}
}

func (me clientCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- me.outstanding
	ch <- me.received
}

func (me clientCollector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range me.cl.Torrents() {
		p := t.Picker()
		ih := t.InfoHash().HexString()
		ch <- prometheus.MustNewConstMetric(me.outstanding, prometheus.GaugeValue, float64(p.CurrentRequestCount()), ih)
		ch <- prometheus.MustNewConstMetric(me.received, prometheus.GaugeValue, float64(p.CurrentReceivedCount()), ih)
	}
}
