package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// ContentType is the content type of Render's output.
var ContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// SnapshotGatherer returns a Gatherer over a fresh pedantic registry holding
// only a collector for snap.
func SnapshotGatherer(snap *store.Snapshot) (prometheus.Gatherer, error) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewSnapshotCollector(snap)); err != nil {
		return nil, fmt.Errorf("registering snapshot collector: %w", err)
	}
	return reg, nil
}

// Render gathers g and writes the families in the text exposition format.
// Families are sorted by name and samples by label values, so the same
// input always renders byte-identical output.
func Render(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		return closer.Close()
	}
	return nil
}
