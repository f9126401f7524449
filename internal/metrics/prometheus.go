package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const eventsMetric = "peerlink_relay_events_total"

// PrometheusHandler serves the counter registry in Prometheus' text
// exposition format. Every counter becomes one sample of a single metric,
// labeled with the event name, so the scrape config never has to chase new
// counter names.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# HELP %s Relay signaling event counts by event name.\n", eventsMetric)
		fmt.Fprintf(&buf, "# TYPE %s counter\n", eventsMetric)

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for event := range snap {
			events = append(events, event)
		}
		sort.Strings(events)
		for _, event := range events {
			fmt.Fprintf(&buf, "%s{event=\"%s\"} %d\n", eventsMetric, escapeLabel(event), snap[event])
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}
