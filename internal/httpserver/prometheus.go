package httpserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/relocker-web/internal/monitor"
	"github.com/skobkin/relocker-web/internal/relock"
)

const metricsNamespace = "relocker"

type channelMetricsCollector struct {
	monitor *monitor.Manager
	metrics []channelMetric
	relocks *prometheus.Desc
}

type channelMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(state monitor.State) (float64, bool)
}

func newChannelMetricsCollector(manager *monitor.Manager) prometheus.Collector {
	if manager == nil || len(manager.Names()) == 0 {
		return nil
	}

	collector := &channelMetricsCollector{
		monitor: manager,
		relocks: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "channel", "relocks_total"),
			"Finished relock attempts by outcome.",
			[]string{"channel", "outcome"},
			nil,
		),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "channel", name),
			help,
			[]string{"channel"},
			nil,
		)
	}

	collector.metrics = []channelMetric{
		{
			desc:      desc("armed", "Whether the channel is armed (1) or not (0)."),
			valueType: prometheus.GaugeValue,
			extract: func(state monitor.State) (float64, bool) {
				return boolValue(state.Armed != monitor.ArmNone), true
			},
		},
		{
			desc:      desc("autorelock", "Whether automatic relocking is enabled."),
			valueType: prometheus.GaugeValue,
			extract: func(state monitor.State) (float64, bool) {
				return boolValue(state.Autorelock), true
			},
		},
		{
			desc:      desc("locked", "Lock verdict of the latest monitor cycle."),
			valueType: prometheus.GaugeValue,
			extract: func(state monitor.State) (float64, bool) {
				if state.Armed == monitor.ArmNone {
					return 0, false
				}
				return boolValue(state.Locked), true
			},
		},
		{
			desc:      desc("relocking", "Whether a relock attempt is in flight."),
			valueType: prometheus.GaugeValue,
			extract: func(state monitor.State) (float64, bool) {
				return boolValue(state.Relock.State != relock.StateIdle), true
			},
		},
		{
			desc:      desc("relock_progress_percent", "Dwell progress of the in-flight relock attempt."),
			valueType: prometheus.GaugeValue,
			extract: func(state monitor.State) (float64, bool) {
				if state.Relock.State == relock.StateIdle {
					return 0, false
				}
				return state.Relock.Progress, true
			},
		},
		{
			desc:      desc("mean_voltage_volts", "Mean controller output over the latest acquisition."),
			valueType: prometheus.GaugeValue,
			extract: func(state monitor.State) (float64, bool) {
				if state.MeanVoltage == nil {
					return 0, false
				}
				return *state.MeanVoltage, true
			},
		},
		{
			desc:      desc("last_locked_voltage_volts", "Mean output voltage at the most recent locked cycle."),
			valueType: prometheus.GaugeValue,
			extract: func(state monitor.State) (float64, bool) {
				if state.LastLockedVoltage == nil {
					return 0, false
				}
				return *state.LastLockedVoltage, true
			},
		},
		{
			desc:      desc("last_locked_timestamp_seconds", "Unix timestamp of the most recent locked cycle."),
			valueType: prometheus.GaugeValue,
			extract: func(state monitor.State) (float64, bool) {
				if state.LastLockedAt == nil {
					return 0, false
				}
				return float64(state.LastLockedAt.Unix()), true
			},
		},
		{
			desc:      desc("state_age_seconds", "Seconds elapsed since the channel last published its state."),
			valueType: prometheus.GaugeValue,
			extract: func(state monitor.State) (float64, bool) {
				if state.Timestamp.IsZero() {
					return 0, false
				}
				return max(time.Since(state.Timestamp).Seconds(), 0), true
			},
		},
		{
			desc:      desc("cycles_total", "Monitor cycles run."),
			valueType: prometheus.CounterValue,
			extract: func(state monitor.State) (float64, bool) {
				return float64(state.Counters.Cycles), true
			},
		},
		{
			desc:      desc("locked_cycles_total", "Monitor cycles that classified the laser as locked."),
			valueType: prometheus.CounterValue,
			extract: func(state monitor.State) (float64, bool) {
				return float64(state.Counters.LockedCycles), true
			},
		},
		{
			desc:      desc("skipped_cycles_total", "Monitor cycles skipped because the acquisition was empty."),
			valueType: prometheus.CounterValue,
			extract: func(state monitor.State) (float64, bool) {
				return float64(state.Counters.SkippedCycles), true
			},
		},
		{
			desc:      desc("cycle_errors_total", "Monitor cycles that failed with an error."),
			valueType: prometheus.CounterValue,
			extract: func(state monitor.State) (float64, bool) {
				return float64(state.Counters.CycleErrors), true
			},
		},
	}

	return collector
}

func (c *channelMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.relocks
}

func (c *channelMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.monitor == nil {
		return
	}
	for _, state := range c.monitor.Snapshot() {
		for _, metric := range c.metrics {
			value, ok := metric.extract(state)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, state.Channel)
		}
		outcomes := map[relock.Outcome]uint64{
			relock.OutcomeCompleted: state.Counters.RelocksCompleted,
			relock.OutcomeFailed:    state.Counters.RelocksFailed,
			relock.OutcomeAborted:   state.Counters.RelocksAborted,
		}
		for outcome, count := range outcomes {
			ch <- prometheus.MustNewConstMetric(c.relocks, prometheus.CounterValue, float64(count), state.Channel, string(outcome))
		}
	}
}

type historyCollector struct {
	history History
	records *prometheus.Desc
	size    *prometheus.Desc
}

func newHistoryCollector(history History) prometheus.Collector {
	if history == nil {
		return nil
	}
	return &historyCollector{
		history: history,
		records: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "history", "records"),
			"Sample records stored per stream.",
			[]string{"stream"},
			nil,
		),
		size: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "history", "size_bytes"),
			"On-disk size of each sample stream.",
			[]string{"stream"},
			nil,
		),
	}
}

func (c *historyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.records
	ch <- c.size
}

func (c *historyCollector) Collect(ch chan<- prometheus.Metric) {
	for stream, stats := range c.history.Stats() {
		ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(stats.Records), string(stream))
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(stats.SizeBytes), string(stream))
	}
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
