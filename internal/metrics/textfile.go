package metrics

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// WriteTextfile writes the metrics of g in the text exposition format to
// path, for pickup by the node_exporter textfile collector. The supervisor
// exits after every command, so it has no endpoint to be scraped on.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, g)
}
