package reg

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// PointSet is an ordered set of N points in D-dimensional space (D = 2 or 3),
// stored as an N×D matrix. A PointSet is never mutated after construction.
type PointSet struct {
	m *mat.Dense
}

// NewPointSet builds a PointSet from rows of coordinates.
// Every row must have the same width, 2 or 3, and contain only finite values.
func NewPointSet(rows [][]float64) (PointSet, error) {
	if len(rows) == 0 {
		return PointSet{}, invalidf("point set is empty")
	}
	dim := len(rows[0])
	if dim != 2 && dim != 3 {
		return PointSet{}, invalidf("point dimension %d not supported (want 2 or 3)", dim)
	}

	data := make([]float64, 0, len(rows)*dim)
	for i, row := range rows {
		if len(row) != dim {
			return PointSet{}, invalidf("row %d has %d coordinates, want %d", i, len(row), dim)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return PointSet{}, invalidf("non-finite coordinate at row %d column %d", i, j)
			}
		}
		data = append(data, row...)
	}
	return PointSet{m: mat.NewDense(len(rows), dim, data)}, nil
}

// NewPointSetFromMatrix copies an N×D matrix into a PointSet.
func NewPointSetFromMatrix(m mat.Matrix) (PointSet, error) {
	if m == nil {
		return PointSet{}, invalidf("point matrix is nil")
	}
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = m.At(i, j)
		}
	}
	return NewPointSet(rows)
}

// Len returns the number of points.
func (p PointSet) Len() int {
	if p.m == nil {
		return 0
	}
	r, _ := p.m.Dims()
	return r
}

// Dim returns the spatial dimension.
func (p PointSet) Dim() int {
	if p.m == nil {
		return 0
	}
	_, c := p.m.Dims()
	return c
}

// IsEmpty reports whether the set holds no points (the zero PointSet).
func (p PointSet) IsEmpty() bool {
	return p.Len() == 0
}

// At returns coordinate j of point i.
func (p PointSet) At(i, j int) float64 {
	return p.m.At(i, j)
}

// Point returns a copy of point i.
func (p PointSet) Point(i int) []float64 {
	return mat.Row(nil, i, p.m)
}

// Rows returns a copy of all points.
func (p PointSet) Rows() [][]float64 {
	rows := make([][]float64, p.Len())
	for i := range rows {
		rows[i] = p.Point(i)
	}
	return rows
}

// Matrix returns a copy of the underlying N×D matrix.
func (p PointSet) Matrix() *mat.Dense {
	return mat.DenseCopyOf(p.m)
}

// Centroid returns the unweighted mean point.
func (p PointSet) Centroid() []float64 {
	n, d := p.Len(), p.Dim()
	c := make([]float64, d)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			c[j] += p.m.At(i, j)
		}
	}
	for j := range c {
		c[j] /= float64(n)
	}
	return c
}

// DistinctCount returns the number of points that differ from every earlier
// point by more than a small scale-relative tolerance.
func (p PointSet) DistinctCount() int {
	n, d := p.Len(), p.Dim()
	scale := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			scale = math.Max(scale, math.Abs(p.m.At(i, j)))
		}
	}
	tol := 1e-12 * (1 + scale)

	var distinct []int
	for i := 0; i < n; i++ {
		unique := true
		for _, k := range distinct {
			same := true
			for j := 0; j < d; j++ {
				if math.Abs(p.m.At(i, j)-p.m.At(k, j)) > tol {
					same = false
					break
				}
			}
			if same {
				unique = false
				break
			}
		}
		if unique {
			distinct = append(distinct, i)
		}
	}
	return len(distinct)
}

// checkPair validates that two sets are usable together for registration.
func checkPair(fixed, moving PointSet) error {
	if fixed.IsEmpty() {
		return invalidf("fixed point set is empty")
	}
	if moving.IsEmpty() {
		return invalidf("moving point set is empty")
	}
	if fixed.Dim() != moving.Dim() {
		return invalidf("dimension mismatch: fixed is %dD, moving is %dD", fixed.Dim(), moving.Dim())
	}
	d := fixed.Dim()
	if n := fixed.DistinctCount(); n < d {
		return degeneratef("fixed point set has %d distinct points, need at least %d", n, d)
	}
	if n := moving.DistinctCount(); n < d {
		return degeneratef("moving point set has %d distinct points, need at least %d", n, d)
	}
	return nil
}
