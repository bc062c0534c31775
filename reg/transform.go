package reg

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// RigidTransform maps moving space onto fixed space: x' = R x + t.
// Rotation is D×D with orthonormal columns and determinant +1.
type RigidTransform struct {
	Rotation    *mat.Dense
	Translation *mat.VecDense
}

// IdentityTransform returns the D-dimensional identity.
func IdentityTransform(dim int) RigidTransform {
	r := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		r.Set(i, i, 1)
	}
	return RigidTransform{Rotation: r, Translation: mat.NewVecDense(dim, nil)}
}

// NewRigidTransform copies a rotation (row-major, D×D) and translation.
// The rotation must be proper within tol.
func NewRigidTransform(rotation []float64, translation []float64, tol float64) (RigidTransform, error) {
	dim := len(translation)
	if dim != 2 && dim != 3 {
		return RigidTransform{}, invalidf("translation has %d components, want 2 or 3", dim)
	}
	if len(rotation) != dim*dim {
		return RigidTransform{}, invalidf("rotation has %d entries, want %d", len(rotation), dim*dim)
	}
	for _, v := range append(append([]float64{}, rotation...), translation...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return RigidTransform{}, invalidf("transform contains non-finite values")
		}
	}
	t := RigidTransform{
		Rotation:    mat.NewDense(dim, dim, append([]float64(nil), rotation...)),
		Translation: mat.NewVecDense(dim, append([]float64(nil), translation...)),
	}
	if !t.IsProper(tol) {
		return RigidTransform{}, invalidf("rotation is not a proper orthonormal matrix")
	}
	return t, nil
}

// RotationFromAngle returns the 2D rotation by theta radians.
func RotationFromAngle(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(2, 2, []float64{c, -s, s, c})
}

// RotationFromEuler returns the 3D rotation R = Rz·Rx·Ry for angles in radians.
func RotationFromEuler(ax, ay, az float64) *mat.Dense {
	cx, sx := math.Cos(ax), math.Sin(ax)
	cy, sy := math.Cos(ay), math.Sin(ay)
	cz, sz := math.Cos(az), math.Sin(az)
	rx := mat.NewDense(3, 3, []float64{1, 0, 0, 0, cx, -sx, 0, sx, cx})
	ry := mat.NewDense(3, 3, []float64{cy, 0, sy, 0, 1, 0, -sy, 0, cy})
	rz := mat.NewDense(3, 3, []float64{cz, -sz, 0, sz, cz, 0, 0, 0, 1})
	var zx, r mat.Dense
	zx.Mul(rz, rx)
	r.Mul(&zx, ry)
	return &r
}

// rotationZYX returns the alternate Euler order R = Rz·Ry·Rx.
func rotationZYX(ax, ay, az float64) *mat.Dense {
	cx, sx := math.Cos(ax), math.Sin(ax)
	cy, sy := math.Cos(ay), math.Sin(ay)
	cz, sz := math.Cos(az), math.Sin(az)
	rx := mat.NewDense(3, 3, []float64{1, 0, 0, 0, cx, -sx, 0, sx, cx})
	ry := mat.NewDense(3, 3, []float64{cy, 0, sy, 0, 1, 0, -sy, 0, cy})
	rz := mat.NewDense(3, 3, []float64{cz, -sz, 0, sz, cz, 0, 0, 0, 1})
	var zy, r mat.Dense
	zy.Mul(rz, ry)
	r.Mul(&zy, rx)
	return &r
}

// Dim returns the spatial dimension of the transform.
func (t RigidTransform) Dim() int {
	if t.Translation == nil {
		return 0
	}
	return t.Translation.Len()
}

// ApplyPoint transforms a single point.
func (t RigidTransform) ApplyPoint(x []float64) []float64 {
	var out mat.VecDense
	out.MulVec(t.Rotation, mat.NewVecDense(len(x), append([]float64(nil), x...)))
	out.AddVec(&out, t.Translation)
	return mat.Col(nil, 0, &out)
}

// Apply transforms every point in p. p must have the transform's dimension.
func (t RigidTransform) Apply(p PointSet) (PointSet, error) {
	if p.Dim() != t.Dim() {
		return PointSet{}, invalidf("cannot apply %dD transform to %dD points", t.Dim(), p.Dim())
	}
	rows := make([][]float64, p.Len())
	for i := range rows {
		rows[i] = t.ApplyPoint(p.Point(i))
	}
	return NewPointSet(rows)
}

// Inverse returns x ↦ Rᵀx − Rᵀt.
func (t RigidTransform) Inverse() RigidTransform {
	var rt mat.Dense
	rt.CloneFrom(t.Rotation.T())
	var tt mat.VecDense
	tt.MulVec(&rt, t.Translation)
	tt.ScaleVec(-1, &tt)
	return RigidTransform{Rotation: &rt, Translation: &tt}
}

// Compose returns the transform applying other first, then t.
func (t RigidTransform) Compose(other RigidTransform) RigidTransform {
	var r mat.Dense
	r.Mul(t.Rotation, other.Rotation)
	var tr mat.VecDense
	tr.MulVec(t.Rotation, other.Translation)
	tr.AddVec(&tr, t.Translation)
	return RigidTransform{Rotation: &r, Translation: &tr}
}

// IsProper reports whether ‖RᵀR − I‖∞ < tol and det(R) is within tol of +1.
func (t RigidTransform) IsProper(tol float64) bool {
	return orthonormalError(t.Rotation) < tol && math.Abs(mat.Det(t.Rotation)-1) < tol
}

// RotationData returns the rotation in row-major order.
func (t RigidTransform) RotationData() []float64 {
	d := t.Dim()
	out := make([]float64, 0, d*d)
	for i := 0; i < d; i++ {
		out = append(out, mat.Row(nil, i, t.Rotation)...)
	}
	return out
}

// TranslationData returns a copy of the translation.
func (t RigidTransform) TranslationData() []float64 {
	return mat.Col(nil, 0, t.Translation)
}

// Angles returns the rotation angles in radians: [theta] in 2D, and
// [ax, ay, az] for R = Rz·Rx·Ry in 3D.
func (t RigidTransform) Angles() []float64 {
	r := t.Rotation
	if t.Dim() == 2 {
		return []float64{math.Atan2(r.At(1, 0), r.At(0, 0))}
	}

	ax := math.Asin(clamp(r.At(2, 1), -1, 1))
	a := math.Cos(ax)
	var ay, az float64
	if math.Abs(a) > 0.00005 {
		ay = math.Atan2(-r.At(2, 0)/a, r.At(2, 2)/a)
		az = math.Atan2(-r.At(0, 1)/a, r.At(1, 1)/a)
	} else {
		// gimbal lock: fold the z rotation into y, R = Rx·Ry with sin ax = ±1
		az = 0
		ay = math.Atan2(r.At(1, 0)*math.Copysign(1, r.At(2, 1)), r.At(0, 0))
	}
	return []float64{ax, ay, az}
}

func orthonormalError(r *mat.Dense) float64 {
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	d, _ := r.Dims()
	worst := 0.0
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			worst = math.Max(worst, math.Abs(rtr.At(i, j)-want))
		}
	}
	return worst
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
