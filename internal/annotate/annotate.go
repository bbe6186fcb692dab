// Package annotate maps cluster identifiers to human-readable labels.
package annotate

import (
	"fmt"

	"github.com/spatx/spatx/internal/dataset"
)

// Params controls cluster annotation.
type Params struct {
	ClusterColumn string            // source cluster column
	Labels        map[string]string // cluster ID -> label
	OutColumn     string            // annotated column name, e.g. "cell_types"
}

// Clusters writes an annotated label column: mapped clusters get their
// label, unmapped clusters keep their numeric ID. A label for a cluster
// that does not exist is a configuration error.
func Clusters(d *dataset.Dataset, p Params) error {
	if p.OutColumn == "" {
		return fmt.Errorf("annotation output column is required")
	}
	src, err := d.ObsMeta().Strings(p.ClusterColumn)
	if err != nil {
		return fmt.Errorf("cluster column %q: %w", p.ClusterColumn, err)
	}

	present := make(map[string]bool, len(src))
	for _, c := range src {
		present[c] = true
	}
	for id := range p.Labels {
		if !present[id] {
			return fmt.Errorf("annotation references unknown cluster %q", id)
		}
	}

	out := make([]string, len(src))
	for i, c := range src {
		if label, ok := p.Labels[c]; ok {
			out[i] = label
		} else {
			out[i] = c
		}
	}
	return d.ObsMeta().SetStrings(p.OutColumn, out)
}
