package reg

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseLandmarks reads whitespace separated coordinate rows. Blank lines and
// anything after '#' are skipped; commas are accepted as separators.
func ParseLandmarks(r io.Reader) (PointSet, error) {
	var rows [][]float64
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(strings.ReplaceAll(text, ",", " "))
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for j, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return PointSet{}, invalidf("line %d: column %d: %q is not a number", line, j+1, f)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return PointSet{}, fmt.Errorf("reading landmarks: %w", err)
	}
	return NewPointSet(rows)
}

// ReadLandmarks loads a landmark file from disk.
func ReadLandmarks(path string) (PointSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return PointSet{}, fmt.Errorf("opening landmarks: %w", err)
	}
	defer func() { _ = f.Close() }()

	ps, err := ParseLandmarks(f)
	if err != nil {
		return PointSet{}, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

// FormatLandmarks writes one point per line.
func FormatLandmarks(w io.Writer, ps PointSet) error {
	bw := bufio.NewWriter(w)
	for i := 0; i < ps.Len(); i++ {
		parts := make([]string, ps.Dim())
		for j := range parts {
			parts[j] = strconv.FormatFloat(ps.At(i, j), 'g', -1, 64)
		}
		if _, err := fmt.Fprintln(bw, strings.Join(parts, " ")); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteLandmarks writes a landmark file to disk.
func WriteLandmarks(path string, ps PointSet) error {
	if ps.IsEmpty() {
		return invalidf("refusing to write an empty point set")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating landmarks file: %w", err)
	}
	if err := FormatLandmarks(f, ps); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing landmarks file: %w", err)
	}
	return f.Close()
}
