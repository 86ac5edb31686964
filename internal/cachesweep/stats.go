package cachesweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the daemon's counters. They are exported by writing the
// registry to a textfile after each pass; the daemon has no listener.
type Metrics struct {
	reg *prometheus.Registry

	commands     *prometheus.CounterVec
	dropped      prometheus.Counter
	passes       prometheus.Counter
	evictedFiles prometheus.Counter
	evictedBytes prometheus.Counter
	tempsRemoved prometheus.Counter
	corrupt      prometheus.Counter
	cacheBytes   prometheus.Gauge
	records      prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	r := prometheus.WrapRegistererWithPrefix("cachesweep_", reg)

	m := &Metrics{
		reg: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_total",
			Help: "Notification commands applied, by opcode.",
		}, []string{"op"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commands_dropped_total",
			Help: "Notification commands that were malformed or could not be applied.",
		}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "passes_total",
			Help: "Completed eviction passes.",
		}),
		evictedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evicted_files_total",
			Help: "Cache entries deleted to stay within budget.",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evicted_bytes_total",
			Help: "Bytes on disk reclaimed by eviction.",
		}),
		tempsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stale_temporaries_removed_total",
			Help: "Abandoned writer temporaries deleted.",
		}),
		corrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corrupt_entries_removed_total",
			Help: "Structurally invalid entries deleted.",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_bytes",
			Help: "Bytes on disk after the last pass.",
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scoreboard_records",
			Help: "Records held by the scoreboard after the last pass.",
		}),
	}
	r.MustRegister(
		m.commands, m.dropped, m.passes, m.evictedFiles, m.evictedBytes,
		m.tempsRemoved, m.corrupt, m.cacheBytes, m.records,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "resident_memory_bytes",
			Help: "Resident set size of the daemon.",
		}, func() float64 {
			rss, ok := processRSSBytes()
			if !ok {
				return 0
			}
			return float64(rss)
		}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// WriteTextfile writes all metrics in the text exposition format to path,
// replacing it atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}

func (m *Metrics) observePass(st PassStats, records int) {
	m.passes.Inc()
	m.evictedFiles.Add(float64(st.Evicted))
	m.evictedBytes.Add(float64(st.EvictedBytes))
	m.tempsRemoved.Add(float64(st.TempsRemoved))
	m.corrupt.Add(float64(st.Corrupt))
	m.cacheBytes.Set(float64(st.RemainingBytes))
	m.records.Set(float64(records))
}
