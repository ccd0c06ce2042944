package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// GaugeFunc reports point-in-time values keyed by metric name suffix, e.g.
// "waiting_users" is exposed as strangerlink_waiting_users.
type GaugeFunc func() map[string]int64

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters are exposed as a single metric with an `event` label. Gauges
// are optional and exposed one metric per key.
func PrometheusHandler(m *Metrics, gauges GaugeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := sortedKeys(snap)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP strangerlink_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE strangerlink_events_total counter")
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "strangerlink_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}

		if gauges == nil {
			return
		}
		values := gauges()
		for _, k := range sortedKeys(values) {
			name := "strangerlink_" + sanitizeName(k)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			_, _ = fmt.Fprintf(w, "%s %d\n", name, values[k])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeName maps anything outside [a-zA-Z0-9_] to '_'.
func sanitizeName(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
