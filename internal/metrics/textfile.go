package metrics

import (
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/common/expfmt"
)

// WriteTextfile writes the current agent_ metrics gathered from m's own
// registry in Prometheus exposition format to path, using an atomic write
// (temp file + rename). TelemetryActor calls this to snapshot gauges into
// the outbound telemetry payload without depending on a global gatherer.
func (m *Metrics) WriteTextfile(path string) error {
	mfs, err := m.Registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create textfile temp: %w", err)
	}

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "agent_") {
			if encErr := enc.Encode(mf); encErr != nil {
				f.Close()
				os.Remove(tmp)
				return fmt.Errorf("encode %s: %w", mf.GetName(), encErr)
			}
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close textfile temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename textfile: %w", err)
	}
	return nil
}
