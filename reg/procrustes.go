package reg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// optimalRotation returns the proper rotation R maximizing tr(AᵀR) for a D×D
// cross-covariance A = Σ w (x − μx)(y − μy)ᵀ.
//
// With A = U S Vᵀ, R = U·diag(1, …, 1, det(U Vᵀ))·Vᵀ. The last singular
// direction is flipped whenever U Vᵀ is a reflection, so det(R) is always +1.
func optimalRotation(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, fmt.Errorf("SVD of cross-covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	d, _ := a.Dims()
	var uvt mat.Dense
	uvt.Mul(&u, v.T())

	c := mat.NewDiagDense(d, nil)
	for i := 0; i < d; i++ {
		c.SetDiag(i, 1)
	}
	if mat.Det(&uvt) < 0 {
		c.SetDiag(d-1, -1)
	}

	var uc, r mat.Dense
	uc.Mul(&u, c)
	r.Mul(&uc, v.T())
	return &r, nil
}

// EstimateRigidTransform solves the weighted Procrustes problem for point sets
// with known one-to-one correspondence: fixed[i] ≈ R moving[i] + t.
// weights may be nil for uniform weighting.
func EstimateRigidTransform(fixed, moving PointSet, weights []float64) (RigidTransform, error) {
	if err := checkPair(fixed, moving); err != nil {
		return RigidTransform{}, err
	}
	n, d := fixed.Len(), fixed.Dim()
	if moving.Len() != n {
		return RigidTransform{}, invalidf("paired registration needs equal sizes, got %d fixed and %d moving", n, moving.Len())
	}
	if weights == nil {
		weights = make([]float64, n)
		floats.AddConst(1, weights)
	}
	if len(weights) != n {
		return RigidTransform{}, invalidf("got %d weights for %d point pairs", len(weights), n)
	}
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return RigidTransform{}, invalidf("weight %d is %v", i, w)
		}
	}
	total := floats.Sum(weights)
	if total <= 0 {
		return RigidTransform{}, invalidf("weights sum to zero")
	}

	muX := make([]float64, d)
	muY := make([]float64, d)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			muX[j] += weights[i] * fixed.At(i, j)
			muY[j] += weights[i] * moving.At(i, j)
		}
	}
	floats.Scale(1/total, muX)
	floats.Scale(1/total, muY)

	a := mat.NewDense(d, d, nil)
	for i := 0; i < n; i++ {
		for r := 0; r < d; r++ {
			xr := fixed.At(i, r) - muX[r]
			for c := 0; c < d; c++ {
				a.Set(r, c, a.At(r, c)+weights[i]*xr*(moving.At(i, c)-muY[c]))
			}
		}
	}

	rot, err := optimalRotation(a)
	if err != nil {
		return RigidTransform{}, err
	}
	return RigidTransform{Rotation: rot, Translation: translationFor(rot, muX, muY)}, nil
}

// translationFor returns t = μx − R μy.
func translationFor(rot *mat.Dense, muX, muY []float64) *mat.VecDense {
	var t mat.VecDense
	t.MulVec(rot, mat.NewVecDense(len(muY), append([]float64(nil), muY...)))
	t.SubVec(mat.NewVecDense(len(muX), append([]float64(nil), muX...)), &t)
	return &t
}
