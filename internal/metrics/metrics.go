// Package metrics registers the server's Prometheus collectors. A nil
// *Metrics is valid and records nothing, so components can be built in
// tests without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voxelstream"

type Metrics struct {
	packetsSent      *prometheus.CounterVec
	bytesSent        prometheus.Counter
	duplicates       prometheus.Counter
	droppedSends     prometheus.Counter
	scenesCompleted  *prometheus.CounterVec
	encodeDuration   prometheus.Histogram
	activeSessions   prometheus.Gauge
	queriesReceived  prometheus.Counter
	editsApplied     *prometheus.CounterVec
	malformedPackets prometheus.Counter
	ingestLockWait   prometheus.Histogram
	ingestProcess    prometheus.Histogram
	ingestTransit    prometheus.Histogram
	snapshotWrites   *prometheus.CounterVec
	snapshotVoxels   prometheus.Gauge
	mirrorUploads    *prometheus.CounterVec
	treeVoxels       prometheus.GaugeFunc
}

var fastBuckets = []float64{.00001, .00005, .0001, .0005, .001, .0025, .005, .01, .025, .05}

// New registers every collector on reg. voxels, when non-nil, backs the
// tree size gauge.
func New(reg prometheus.Registerer, voxels func() int) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		packetsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets handed to client outbound queues by kind",
		}, []string{"kind"}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes handed to client outbound queues",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_packets_suppressed_total",
			Help:      "Voxel packets dropped as duplicates of the previous one",
		}),
		droppedSends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Packets the transport refused because the outbound queue was full",
		}),
		scenesCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenes_completed_total",
			Help:      "Scenes closed by kind (full or delta) and trigger",
		}, []string{"kind", "trigger"}),
		encodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_duration_seconds",
			Help:      "Duration of a single subtree encode",
			Buckets:   fastBuckets,
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Clients with a running distribution worker",
		}),
		queriesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_received_total",
			Help:      "Camera queries received from clients",
		}),
		editsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edits_applied_total",
			Help:      "Voxel edits applied by operation",
		}, []string{"op"}),
		malformedPackets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_packets_total",
			Help:      "Inbound packets discarded wholly or partly as malformed",
		}),
		ingestLockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_lock_wait_seconds",
			Help:      "Time spent waiting for the tree write lock",
			Buckets:   fastBuckets,
		}),
		ingestProcess: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_process_seconds",
			Help:      "Time spent holding the tree write lock per edit",
			Buckets:   fastBuckets,
		}),
		ingestTransit: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_transit_seconds",
			Help:      "Client send to server processing delay",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot attempts by result",
		}, []string{"result"}),
		snapshotVoxels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_voxels",
			Help:      "Voxels in the most recent snapshot",
		}),
		mirrorUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_uploads_total",
			Help:      "Snapshot mirror uploads by result",
		}, []string{"result"}),
	}
	if voxels != nil {
		m.treeVoxels = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tree_voxels",
			Help:      "Colored leaves in the shared tree",
		}, func() float64 { return float64(voxels()) })
	}
	return m
}

func (m *Metrics) PacketSent(kind string, n int) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(kind).Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) DuplicateSuppressed() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) SendDropped() {
	if m != nil {
		m.droppedSends.Inc()
	}
}

func (m *Metrics) SceneCompleted(full, frustumTriggered bool) {
	if m == nil {
		return
	}
	kind, trigger := "delta", "natural"
	if full {
		kind = "full"
	}
	if frustumTriggered {
		trigger = "frustum"
	}
	m.scenesCompleted.WithLabelValues(kind, trigger).Inc()
}

func (m *Metrics) ObserveEncode(d time.Duration) {
	if m != nil {
		m.encodeDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) QueryReceived() {
	if m != nil {
		m.queriesReceived.Inc()
	}
}

func (m *Metrics) EditApplied(op string) {
	if m != nil {
		m.editsApplied.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) MalformedPacket() {
	if m != nil {
		m.malformedPackets.Inc()
	}
}

// ObserveIngest records lock wait, lock hold and client transit for one
// applied edit.
func (m *Metrics) ObserveIngest(wait, process, transit time.Duration) {
	if m == nil {
		return
	}
	m.ingestLockWait.Observe(wait.Seconds())
	m.ingestProcess.Observe(process.Seconds())
	if transit > 0 {
		m.ingestTransit.Observe(transit.Seconds())
	}
}

func (m *Metrics) SnapshotWritten(voxels int) {
	if m == nil {
		return
	}
	m.snapshotWrites.WithLabelValues("ok").Inc()
	m.snapshotVoxels.Set(float64(voxels))
}

func (m *Metrics) SnapshotFailed() {
	if m != nil {
		m.snapshotWrites.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) MirrorUpload(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.mirrorUploads.WithLabelValues("ok").Inc()
	} else {
		m.mirrorUploads.WithLabelValues("error").Inc()
	}
}
