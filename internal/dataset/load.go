package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/spatx/spatx/internal/graph"
)

// openMaybeCompressed opens a plain, gzip- or zstd-compressed text file
// based on its extension.
func openMaybeCompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening gzip %s: %w", path, err)
		}
		return &wrappedCloser{Reader: gr, closers: []io.Closer{gr, f}}, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening zstd %s: %w", path, err)
		}
		zrc := zr.IOReadCloser()
		return &wrappedCloser{Reader: zrc, closers: []io.Closer{zrc, f}}, nil
	default:
		return f, nil
	}
}

type wrappedCloser struct {
	io.Reader
	closers []io.Closer
}

func (w *wrappedCloser) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LoadExpression reads a feature-by-observation expression matrix from a
// tab-separated file (optionally .gz / .zst). The first row holds the
// observation IDs (an optional leading corner cell is skipped); each
// following row holds a feature ID and its values.
func LoadExpression(path string) (*Matrix, error) {
	rc, err := openMaybeCompressed(path)
	if err != nil {
		return nil, fmt.Errorf("opening expression matrix: %w", err)
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("expression matrix %s is empty", path)
	}
	header := splitFields(sc.Text())
	if len(header) < 1 {
		return nil, fmt.Errorf("expression matrix %s has an empty header", path)
	}

	var obsIDs []string
	var featIDs []string
	var values []float64
	line := 1
	for sc.Scan() {
		line++
		fields := splitFields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if obsIDs == nil {
			// Decide header shape from the first data row: a corner cell is
			// present when the header is one field longer than the values.
			switch {
			case len(fields)-1 == len(header):
				obsIDs = header
			case len(fields) == len(header):
				obsIDs = header[1:]
			default:
				return nil, fmt.Errorf("line %d: %d fields do not match header of %d", line, len(fields), len(header))
			}
		}
		if len(fields)-1 != len(obsIDs) {
			return nil, fmt.Errorf("line %d: expected %d values for feature %s, got %d", line, len(obsIDs), fields[0], len(fields)-1)
		}
		featIDs = append(featIDs, fields[0])
		for _, fstr := range fields[1:] {
			v, err := strconv.ParseFloat(fstr, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value %q: %w", line, fstr, err)
			}
			values = append(values, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(featIDs) == 0 {
		return nil, fmt.Errorf("expression matrix %s has no feature rows", path)
	}
	return NewMatrix(featIDs, obsIDs, values)
}

// LoadCoordinates reads a spatial coordinate table: one row per
// observation, 2-3 numeric columns, with an optional leading ID column and
// an optional header row. When the file carries no IDs, the returned slice
// is nil and callers align rows to the expression matrix order.
func LoadCoordinates(path string) (pts []graph.Point, ids []string, dims int, err error) {
	rc, err := openMaybeCompressed(path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("opening coordinates: %w", err)
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		fields := splitFields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		hasID := false
		if _, e := strconv.ParseFloat(fields[0], 64); e != nil {
			hasID = true
		}
		nums := fields
		if hasID {
			nums = fields[1:]
		}
		if len(nums) < 2 || len(nums) > 3 {
			// A short first row is a header without an ID column.
			if line == 1 {
				continue
			}
			return nil, nil, 0, fmt.Errorf("line %d: expected 2-3 numeric columns, got %d", line, len(nums))
		}

		vals := make([]float64, len(nums))
		parsed := true
		for i, s := range nums {
			v, e := strconv.ParseFloat(s, 64)
			if e != nil {
				parsed = false
				break
			}
			vals[i] = v
		}
		if !parsed {
			// Non-numeric row past the ID column: treat as header, only
			// acceptable as the first row.
			if line == 1 {
				continue
			}
			return nil, nil, 0, fmt.Errorf("line %d: non-numeric coordinate values", line)
		}

		if dims == 0 {
			dims = len(vals)
		} else if len(vals) != dims {
			return nil, nil, 0, fmt.Errorf("line %d: %d coordinate columns, expected %d", line, len(vals), dims)
		}

		p := graph.Point{X: vals[0], Y: vals[1]}
		if len(vals) == 3 {
			p.Z = vals[2]
		}
		pts = append(pts, p)
		if hasID {
			ids = append(ids, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, 0, err
	}
	if len(pts) == 0 {
		return nil, nil, 0, fmt.Errorf("coordinate file %s has no rows", path)
	}
	if ids != nil && len(ids) != len(pts) {
		return nil, nil, 0, fmt.Errorf("coordinate file %s mixes rows with and without IDs", path)
	}
	return pts, ids, dims, nil
}

// Ingest loads the expression matrix and coordinate table into a new
// dataset. Coordinate rows with IDs are reordered to the matrix observation
// order; rows without IDs are taken in file order.
func Ingest(exprPath, coordPath string) (*Dataset, error) {
	m, err := LoadExpression(exprPath)
	if err != nil {
		return nil, err
	}
	pts, ids, dims, err := LoadCoordinates(coordPath)
	if err != nil {
		return nil, err
	}
	if len(pts) != m.NObs() {
		return nil, fmt.Errorf("coordinate rows (%d) do not match observations (%d)", len(pts), m.NObs())
	}
	if ids != nil {
		byID := make(map[string]graph.Point, len(ids))
		for i, id := range ids {
			byID[id] = pts[i]
		}
		ordered := make([]graph.Point, m.NObs())
		for i, obs := range m.ObsIDs() {
			p, ok := byID[obs]
			if !ok {
				return nil, fmt.Errorf("observation %s has no coordinate row", obs)
			}
			ordered[i] = p
		}
		pts = ordered
	}
	return New(m, pts, dims)
}

func splitFields(line string) []string {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}
	if strings.ContainsRune(line, '\t') {
		return strings.Split(line, "\t")
	}
	return strings.Fields(line)
}
