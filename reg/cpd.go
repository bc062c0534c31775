package reg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Normalization selects how Gaussian responsibilities are normalized in the
// E-step.
type Normalization int

const (
	// NormalizeMovingRows normalizes each moving point's row over the fixed
	// points plus the outlier term, so every row's match mass is at most 1.
	NormalizeMovingRows Normalization = iota
	// NormalizeFixedColumns is the classic CPD mixture: moving points are the
	// Gaussian centroids and each fixed point's mass over them is at most 1.
	NormalizeFixedColumns
)

var normalizationNames = map[Normalization]string{
	NormalizeMovingRows:   "moving-rows",
	NormalizeFixedColumns: "fixed-columns",
}

func (n Normalization) String() string {
	if s, ok := normalizationNames[n]; ok {
		return s
	}
	return fmt.Sprintf("Normalization(%d)", int(n))
}

// ParseNormalization resolves a normalization name.
func ParseNormalization(s string) (Normalization, error) {
	for n, name := range normalizationNames {
		if name == s {
			return n, nil
		}
	}
	return 0, invalidf("unknown normalization %q", s)
}

func (n Normalization) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Normalization) UnmarshalText(b []byte) error {
	v, err := ParseNormalization(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// Status is the terminal condition of a CPD run.
type Status int

const (
	StatusNotRun Status = iota
	StatusConverged
	StatusMaxIterationsReached
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "Converged"
	case StatusMaxIterationsReached:
		return "MaxIterationsReached"
	default:
		return "NotRun"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for _, v := range []Status{StatusNotRun, StatusConverged, StatusMaxIterationsReached} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return invalidf("unknown status %q", string(b))
}

// CPDConfig holds the hyperparameters of rigid coherent point drift.
type CPDConfig struct {
	OutlierWeight   float64       `yaml:"outlierWeight" json:"outlierWeight"`     // Fraction of mass reserved for unmatched points, in [0, 1)
	Tolerance       float64       `yaml:"tolerance" json:"tolerance"`             // Stop when the relative objective change drops below this
	MaxIterations   int           `yaml:"maxIterations" json:"maxIterations"`     // Iteration cap
	InitialVariance float64       `yaml:"initialVariance" json:"initialVariance"` // σ² at iteration 0; 0 means estimate from the data
	Normalization   Normalization `yaml:"normalization" json:"normalization"`     // E-step normalization variant
	Verbose         bool          `yaml:"verbose" json:"verbose"`                 // Log per-iteration diagnostics through Logf
}

// DefaultCPDConfig returns the defaults used by the CLI.
func DefaultCPDConfig() CPDConfig {
	return CPDConfig{
		OutlierWeight:   0,
		Tolerance:       1e-5,
		MaxIterations:   100,
		InitialVariance: 0,
		Normalization:   NormalizeMovingRows,
	}
}

// Validate checks hyperparameter ranges.
func (c CPDConfig) Validate() error {
	switch {
	case math.IsNaN(c.OutlierWeight) || c.OutlierWeight < 0 || c.OutlierWeight >= 1:
		return invalidf("outlier weight %v must be in [0, 1)", c.OutlierWeight)
	case math.IsNaN(c.Tolerance) || c.Tolerance <= 0:
		return invalidf("tolerance %v must be positive", c.Tolerance)
	case c.MaxIterations < 1:
		return invalidf("max iterations %d must be at least 1", c.MaxIterations)
	case math.IsNaN(c.InitialVariance) || math.IsInf(c.InitialVariance, 0) || c.InitialVariance < 0:
		return invalidf("initial variance %v must be finite and non-negative", c.InitialVariance)
	}
	if _, ok := normalizationNames[c.Normalization]; !ok {
		return invalidf("unknown normalization %d", int(c.Normalization))
	}
	return nil
}

// varianceFloor is the fraction of the initial variance below which σ² is
// treated as collapsed.
const varianceFloor = 1e-14

// IterationRecord is one row of the optimization trace.
type IterationRecord struct {
	Iteration int
	Objective float64 // Negative log-likelihood at the E-step
	Change    float64 // Relative objective change; NaN on the first iteration
	Variance  float64 // σ² after the M-step
	MatchMass float64 // Np, total correspondence mass
}

// CPDResult is the retained outcome of a successful run.
type CPDResult struct {
	Transform  RigidTransform
	Status     Status
	Iterations int
	Variance   float64
	Objective  float64
}

// optimizationState is owned by a single Run call.
type optimizationState struct {
	transform RigidTransform
	p         *mat.Dense // N_moving × N_fixed
	variance  float64
	iteration int
	objective float64
	status    Status
}

// RigidCoherentPointDrift estimates the rigid transform aligning a moving point
// set onto a fixed one without known correspondence.
//
// An instance owns its optimization state; it is not safe for concurrent use,
// but separate instances share nothing.
type RigidCoherentPointDrift struct {
	fixed  PointSet
	moving PointSet
	config CPDConfig

	result  *CPDResult
	p       *mat.Dense
	history []IterationRecord
}

// NewRigidCoherentPointDrift validates the inputs and hyperparameters.
func NewRigidCoherentPointDrift(fixed, moving PointSet, config CPDConfig) (*RigidCoherentPointDrift, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := checkPair(fixed, moving); err != nil {
		return nil, err
	}
	return &RigidCoherentPointDrift{fixed: fixed, moving: moving, config: config}, nil
}

// Config returns the hyperparameters in use.
func (c *RigidCoherentPointDrift) Config() CPDConfig {
	return c.config
}

// Reset discards any previous result.
func (c *RigidCoherentPointDrift) Reset() {
	c.result = nil
	c.p = nil
	c.history = nil
}

// Run iterates E- and M-steps until convergence or the iteration cap. Every
// call starts from the identity transform and the initial variance, so
// repeated runs give identical results. On error no result is retained.
func (c *RigidCoherentPointDrift) Run() error {
	c.Reset()

	d := c.fixed.Dim()
	st := &optimizationState{
		transform: IdentityTransform(d),
		p:         mat.NewDense(c.moving.Len(), c.fixed.Len(), nil),
		variance:  c.config.InitialVariance,
		objective: math.NaN(),
	}
	if st.variance == 0 {
		st.variance = initialVariance(c.fixed, c.moving)
	}
	if st.variance <= 0 {
		// checkPair guarantees spread, so only overflow lands here.
		return &NumericalInstabilityError{Iteration: 0, Quantity: "initial variance"}
	}
	floor := st.variance * varianceFloor

	var history []IterationRecord
	for st.iteration = 1; st.iteration <= c.config.MaxIterations; st.iteration++ {
		objective, err := c.expectation(st)
		if err != nil {
			return err
		}
		np, err := c.maximization(st)
		if err != nil {
			return err
		}

		change := math.NaN()
		if !math.IsNaN(st.objective) {
			change = math.Abs(st.objective-objective) / math.Max(math.Abs(st.objective), 1)
		}
		st.objective = objective
		history = append(history, IterationRecord{
			Iteration: st.iteration,
			Objective: objective,
			Change:    change,
			Variance:  st.variance,
			MatchMass: np,
		})

		if c.config.Verbose {
			Logf("CPD iter=%d objective=%.6g change=%.3g sigma2=%.6g Np=%.4g",
				st.iteration, objective, change, st.variance, np)
		}

		if st.variance <= floor {
			if c.config.Verbose {
				Logf("CPD variance collapsed to %.3g; treating as converged", st.variance)
			}
			st.status = StatusConverged
			break
		}
		if !math.IsNaN(change) && change < c.config.Tolerance {
			st.status = StatusConverged
			break
		}
	}
	if st.status == StatusNotRun {
		st.status = StatusMaxIterationsReached
		st.iteration = c.config.MaxIterations
	}

	if c.config.Verbose {
		Logf("CPD finished: %s after %d iteration(s), sigma2=%.6g", st.status, st.iteration, st.variance)
	}

	c.result = &CPDResult{
		Transform:  st.transform,
		Status:     st.status,
		Iterations: st.iteration,
		Variance:   st.variance,
		Objective:  st.objective,
	}
	c.p = st.p
	c.history = history
	return nil
}

// RegistrationOutcome returns the rotation and translation of the last run.
func (c *RigidCoherentPointDrift) RegistrationOutcome() (*mat.Dense, *mat.VecDense, error) {
	if c.result == nil {
		return nil, nil, ErrNotRun
	}
	t := c.result.Transform
	return mat.DenseCopyOf(t.Rotation), mat.VecDenseCopyOf(t.Translation), nil
}

// Result returns the full outcome of the last run.
func (c *RigidCoherentPointDrift) Result() (CPDResult, error) {
	if c.result == nil {
		return CPDResult{}, ErrNotRun
	}
	return *c.result, nil
}

// Correspondence returns a copy of the final N_moving × N_fixed matrix.
func (c *RigidCoherentPointDrift) Correspondence() (*mat.Dense, error) {
	if c.result == nil {
		return nil, ErrNotRun
	}
	return mat.DenseCopyOf(c.p), nil
}

// History returns the per-iteration trace of the last run.
func (c *RigidCoherentPointDrift) History() []IterationRecord {
	return append([]IterationRecord(nil), c.history...)
}

// initialVariance is Σ‖x_n − y_m‖² / (D·N·M).
func initialVariance(fixed, moving PointSet) float64 {
	n, m, d := fixed.Len(), moving.Len(), fixed.Dim()
	sum := 0.0
	for i := 0; i < m; i++ {
		for k := 0; k < n; k++ {
			for j := 0; j < d; j++ {
				diff := fixed.At(k, j) - moving.At(i, j)
				sum += diff * diff
			}
		}
	}
	return sum / float64(d*n*m)
}

// expectation fills st.p for the current transform and variance and returns
// the negative log-likelihood of the mixture.
func (c *RigidCoherentPointDrift) expectation(st *optimizationState) (float64, error) {
	m, n, d := c.moving.Len(), c.fixed.Len(), c.fixed.Dim()
	w := c.config.OutlierWeight
	s2 := st.variance

	// st.p first holds the log-kernel −‖x_k − T(y_i)‖² / 2σ² and is
	// normalized in place below.
	for i := 0; i < m; i++ {
		ty := st.transform.ApplyPoint(c.moving.Point(i))
		row := st.p.RawRowView(i)
		for k := 0; k < n; k++ {
			dist := 0.0
			for j := 0; j < d; j++ {
				diff := c.fixed.At(k, j) - ty[j]
				dist += diff * diff
			}
			row[k] = -dist / (2 * s2)
		}
	}

	halfLog := 0.5 * float64(d) * math.Log(2*math.Pi*s2)
	rowWise := c.config.Normalization == NormalizeMovingRows

	// The mixture is over the data points (moving rows or fixed columns) with
	// the other set as centroids.
	data, centroids := n, m
	if rowWise {
		data, centroids = m, n
	}
	logC := math.Inf(-1)
	if w > 0 {
		logC = halfLog + math.Log(w/(1-w)) + math.Log(float64(centroids)/float64(data))
	}

	nll := 0.0
	terms := make([]float64, centroids+1)
	for di := 0; di < data; di++ {
		for ci := 0; ci < centroids; ci++ {
			if rowWise {
				terms[ci] = st.p.At(di, ci)
			} else {
				terms[ci] = st.p.At(ci, di)
			}
		}
		terms[centroids] = logC
		logDen := floats.LogSumExp(terms)
		if math.IsNaN(logDen) || math.IsInf(logDen, 0) {
			return 0, &NumericalInstabilityError{Iteration: st.iteration, Quantity: "correspondence normalizer"}
		}
		for ci := 0; ci < centroids; ci++ {
			p := math.Exp(terms[ci] - logDen)
			if rowWise {
				st.p.Set(di, ci, p)
			} else {
				st.p.Set(ci, di, p)
			}
		}
		nll -= math.Log((1-w)/float64(centroids)) - halfLog + logDen
	}

	if math.IsNaN(nll) || math.IsInf(nll, 0) {
		return 0, &NumericalInstabilityError{Iteration: st.iteration, Quantity: "objective"}
	}
	return nll, nil
}

// maximization updates the transform and variance from st.p and returns Np.
func (c *RigidCoherentPointDrift) maximization(st *optimizationState) (float64, error) {
	m, n, d := c.moving.Len(), c.fixed.Len(), c.fixed.Dim()
	p := st.p

	p1 := make([]float64, m)  // row sums
	pt1 := make([]float64, n) // column sums
	for i := 0; i < m; i++ {
		row := p.RawRowView(i)
		p1[i] = floats.Sum(row)
		floats.Add(pt1, row)
	}
	np := floats.Sum(p1)
	if !(np > 0) || math.IsInf(np, 0) {
		return 0, &NumericalInstabilityError{Iteration: st.iteration, Quantity: "correspondence mass"}
	}

	muX := make([]float64, d)
	muY := make([]float64, d)
	for k := 0; k < n; k++ {
		for j := 0; j < d; j++ {
			muX[j] += pt1[k] * c.fixed.At(k, j)
		}
	}
	for i := 0; i < m; i++ {
		for j := 0; j < d; j++ {
			muY[j] += p1[i] * c.moving.At(i, j)
		}
	}
	floats.Scale(1/np, muX)
	floats.Scale(1/np, muY)

	// A = Σ P_ik (x_k − μx)(y_i − μy)ᵀ
	cross := mat.NewDense(d, d, nil)
	xc := make([]float64, d)
	yc := make([]float64, d)
	for i := 0; i < m; i++ {
		for j := 0; j < d; j++ {
			yc[j] = c.moving.At(i, j) - muY[j]
		}
		for k := 0; k < n; k++ {
			pik := p.At(i, k)
			if pik == 0 {
				continue
			}
			for j := 0; j < d; j++ {
				xc[j] = c.fixed.At(k, j) - muX[j]
			}
			for r := 0; r < d; r++ {
				for q := 0; q < d; q++ {
					cross.Set(r, q, cross.At(r, q)+pik*xc[r]*yc[q])
				}
			}
		}
	}
	if !allFinite(cross.RawMatrix().Data) {
		return 0, &NumericalInstabilityError{Iteration: st.iteration, Quantity: "cross-covariance"}
	}

	rot, err := optimalRotation(cross)
	if err != nil {
		return 0, &NumericalInstabilityError{Iteration: st.iteration, Quantity: "rotation"}
	}
	next := RigidTransform{Rotation: rot, Translation: translationFor(rot, muX, muY)}

	residual := 0.0
	for i := 0; i < m; i++ {
		ty := next.ApplyPoint(c.moving.Point(i))
		for k := 0; k < n; k++ {
			pik := p.At(i, k)
			if pik == 0 {
				continue
			}
			dist := 0.0
			for j := 0; j < d; j++ {
				diff := c.fixed.At(k, j) - ty[j]
				dist += diff * diff
			}
			residual += pik * dist
		}
	}
	variance := math.Max(residual/(np*float64(d)), 0)

	if math.IsNaN(variance) || math.IsInf(variance, 0) || !next.IsProper(1e-6) {
		return 0, &NumericalInstabilityError{Iteration: st.iteration, Quantity: "transform update"}
	}

	st.transform = next
	st.variance = variance
	return np, nil
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
