package reg

import (
	"fmt"
	"strconv"
	"strings"
)

// The intensity-based registration engine is external. MethodConfig only
// describes what to hand it, using closed enumerations looked up by name.

// enumTable maps an enumeration to its canonical names plus extra aliases.
type enumTable[T comparable] struct {
	kind    string
	names   map[T]string
	aliases map[string]T
}

func (e enumTable[T]) name(v T) string {
	if s, ok := e.names[v]; ok {
		return s
	}
	return fmt.Sprintf("%s(%v)", e.kind, v)
}

func (e enumTable[T]) parse(s string) (T, error) {
	s = strings.TrimSpace(s)
	for v, name := range e.names {
		if strings.EqualFold(name, s) {
			return v, nil
		}
	}
	if v, ok := e.aliases[strings.ToLower(s)]; ok {
		return v, nil
	}
	var zero T
	return zero, invalidf("unknown %s %q", e.kind, s)
}

func (e enumTable[T]) valid(v T) bool {
	_, ok := e.names[v]
	return ok
}

// TransformModel is the transform family optimized by the engine.
type TransformModel int

const (
	ModelRigid TransformModel = iota
	ModelSimilarity
	ModelAffine
)

var transformModels = enumTable[TransformModel]{
	kind: "transform model",
	names: map[TransformModel]string{
		ModelRigid:      "Rigid",
		ModelSimilarity: "Similarity",
		ModelAffine:     "Affine",
	},
	aliases: map[string]TransformModel{"euler": ModelRigid},
}

type modelInfo struct {
	typeName   func(dim int) string
	parameters func(dim int) int
}

var modelTable = map[TransformModel]modelInfo{
	ModelRigid: {
		typeName: func(dim int) string { return fmt.Sprintf("Euler%dDTransform", dim) },
		parameters: func(dim int) int {
			if dim == 2 {
				return 3
			}
			return 6
		},
	},
	ModelSimilarity: {
		typeName: func(dim int) string { return fmt.Sprintf("Similarity%dDTransform", dim) },
		parameters: func(dim int) int {
			if dim == 2 {
				return 4
			}
			return 7
		},
	},
	ModelAffine: {
		typeName:   func(int) string { return "AffineTransform" },
		parameters: func(dim int) int { return dim*dim + dim },
	},
}

func (m TransformModel) String() string { return transformModels.name(m) }

// ParseTransformModel resolves "Rigid", "Similarity" or "Affine".
func ParseTransformModel(s string) (TransformModel, error) { return transformModels.parse(s) }

// TypeName returns the toolkit transform type for the given dimension,
// e.g. Euler3DTransform. Unknown models yield "".
func (m TransformModel) TypeName(dim int) string {
	info, ok := modelTable[m]
	if !ok {
		return ""
	}
	return info.typeName(dim)
}

// FileTypeName returns the transform type as written in transform files,
// e.g. Euler3DTransform_double_3_3.
func (m TransformModel) FileTypeName(dim int) string {
	name := m.TypeName(dim)
	if name == "" {
		return ""
	}
	return fmt.Sprintf("%s_double_%d_%d", name, dim, dim)
}

// ParameterCount is the number of optimized parameters in dimension dim, or
// 0 for an unknown model.
func (m TransformModel) ParameterCount(dim int) int {
	info, ok := modelTable[m]
	if !ok {
		return 0
	}
	return info.parameters(dim)
}

func (m TransformModel) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *TransformModel) UnmarshalText(b []byte) error {
	v, err := ParseTransformModel(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Metric is the image similarity metric.
type Metric int

const (
	MetricCorrelation Metric = iota
	MetricMeanSquares
	MetricMattesMutualInformation
	MetricJointHistogramMutualInformation
	MetricANTSNeighborhoodCorrelation
)

var metrics = enumTable[Metric]{
	kind: "metric",
	names: map[Metric]string{
		MetricCorrelation:                     "Correlation",
		MetricMeanSquares:                     "MeanSquares",
		MetricMattesMutualInformation:         "MattesMutualInformation",
		MetricJointHistogramMutualInformation: "JointHistogramMutualInformation",
		MetricANTSNeighborhoodCorrelation:     "ANTSNeighborhoodCorrelation",
	},
	aliases: map[string]Metric{"mi": MetricMattesMutualInformation, "ncc": MetricCorrelation},
}

func (m Metric) String() string { return metrics.name(m) }

// ParseMetric resolves a metric name.
func ParseMetric(s string) (Metric, error) { return metrics.parse(s) }

func (m Metric) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Metric) UnmarshalText(b []byte) error {
	v, err := ParseMetric(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Interpolator is the image interpolation scheme.
type Interpolator int

const (
	InterpolatorLinear Interpolator = iota
	InterpolatorNearestNeighbor
	InterpolatorBSpline
)

var interpolators = enumTable[Interpolator]{
	kind: "interpolator",
	names: map[Interpolator]string{
		InterpolatorLinear:          "Linear",
		InterpolatorNearestNeighbor: "NearestNeighbor",
		InterpolatorBSpline:         "BSpline",
	},
	aliases: map[string]Interpolator{"nearestneighbour": InterpolatorNearestNeighbor},
}

// interpolatorOrders maps spline orders accepted on the command line.
var interpolatorOrders = map[int]Interpolator{
	0: InterpolatorNearestNeighbor,
	1: InterpolatorLinear,
}

func (i Interpolator) String() string { return interpolators.name(i) }

// ParseInterpolator accepts a name (Linear, NearestNeighbor/NearestNeighbour,
// BSpline) or an order (0 or 1).
func ParseInterpolator(s string) (Interpolator, error) {
	if order, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		if v, ok := interpolatorOrders[order]; ok {
			return v, nil
		}
		return 0, invalidf("interpolator order %d not known", order)
	}
	return interpolators.parse(s)
}

func (i Interpolator) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Interpolator) UnmarshalText(b []byte) error {
	v, err := ParseInterpolator(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Optimizer is the engine's optimizer.
type Optimizer int

const (
	OptimizerConjugateGradientLineSearch Optimizer = iota
	OptimizerRegularStepGradientDescent
	OptimizerGradientDescent
)

var optimizers = enumTable[Optimizer]{
	kind: "optimizer",
	names: map[Optimizer]string{
		OptimizerConjugateGradientLineSearch: "ConjugateGradientLineSearch",
		OptimizerRegularStepGradientDescent:  "RegularStepGradientDescent",
		OptimizerGradientDescent:             "GradientDescent",
	},
}

func (o Optimizer) String() string { return optimizers.name(o) }

// ParseOptimizer resolves an optimizer name.
func ParseOptimizer(s string) (Optimizer, error) { return optimizers.parse(s) }

func (o Optimizer) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Optimizer) UnmarshalText(b []byte) error {
	v, err := ParseOptimizer(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// OptimizerScales selects how parameter scales are estimated.
type OptimizerScales int

const (
	ScalesPhysicalShift OptimizerScales = iota
	ScalesIndexShift
	ScalesJacobian
)

var optimizerScales = enumTable[OptimizerScales]{
	kind: "optimizer scales",
	names: map[OptimizerScales]string{
		ScalesPhysicalShift: "PhysicalShift",
		ScalesIndexShift:    "IndexShift",
		ScalesJacobian:      "Jacobian",
	},
}

func (s OptimizerScales) String() string { return optimizerScales.name(s) }

// ParseOptimizerScales resolves a scales estimator name.
func ParseOptimizerScales(s string) (OptimizerScales, error) { return optimizerScales.parse(s) }

func (s OptimizerScales) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OptimizerScales) UnmarshalText(b []byte) error {
	v, err := ParseOptimizerScales(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Initializer selects the centered transform initializer.
type Initializer int

const (
	InitializerNone Initializer = iota
	InitializerGeometry
	InitializerMoments
)

var initializers = enumTable[Initializer]{
	kind: "initializer",
	names: map[Initializer]string{
		InitializerNone:     "None",
		InitializerGeometry: "Geometry",
		InitializerMoments:  "Moments",
	},
	aliases: map[string]Initializer{"": InitializerNone},
}

func (i Initializer) String() string { return initializers.name(i) }

// ParseInitializer resolves an initializer name; empty means None.
func ParseInitializer(s string) (Initializer, error) { return initializers.parse(s) }

func (i Initializer) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Initializer) UnmarshalText(b []byte) error {
	v, err := ParseInitializer(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// OptimizerParams are the typed optimizer settings. Fields an optimizer does
// not use are ignored by it.
type OptimizerParams struct {
	LearningRate               float64 `yaml:"learningRate" json:"learningRate"`
	NumberOfIterations         int     `yaml:"numberOfIterations" json:"numberOfIterations"`
	MinStep                    float64 `yaml:"minStep,omitempty" json:"minStep,omitempty"`
	GradientMagnitudeTolerance float64 `yaml:"gradientMagnitudeTolerance,omitempty" json:"gradientMagnitudeTolerance,omitempty"`
}

// MetricParams are the typed metric settings.
type MetricParams struct {
	NumberOfHistogramBins int `yaml:"numberOfHistogramBins,omitempty" json:"numberOfHistogramBins,omitempty"` // Mutual information metrics
	Radius                int `yaml:"radius,omitempty" json:"radius,omitempty"`                               // ANTS neighborhood correlation
}

// MethodConfig describes an intensity-based registration for the external
// engine.
type MethodConfig struct {
	Model            TransformModel  `yaml:"model" json:"model"`
	Metric           Metric          `yaml:"metric" json:"metric"`
	MetricParams     MetricParams    `yaml:"metricParams,omitempty" json:"metricParams,omitempty"`
	Interpolator     Interpolator    `yaml:"interpolator" json:"interpolator"`
	Optimizer        Optimizer       `yaml:"optimizer" json:"optimizer"`
	OptimizerParams  OptimizerParams `yaml:"optimizerParams" json:"optimizerParams"`
	OptimizerScales  OptimizerScales `yaml:"optimizerScales" json:"optimizerScales"`
	Initializer      Initializer     `yaml:"initializer" json:"initializer"`
	Multiresolution  bool            `yaml:"multiresolution" json:"multiresolution"`
	ShrinkFactors    []int           `yaml:"shrinkFactors,omitempty" json:"shrinkFactors,omitempty"`
	SmoothingSigmas  []float64       `yaml:"smoothingSigmas,omitempty" json:"smoothingSigmas,omitempty"`
	UseFixedMask     bool            `yaml:"useFixedMask" json:"useFixedMask"`
	UseMovingMask    bool            `yaml:"useMovingMask" json:"useMovingMask"`
}

// DefaultMethodConfig mirrors the defaults of the landmark tool's rigid
// intensity registration.
func DefaultMethodConfig() MethodConfig {
	return MethodConfig{
		Model:        ModelRigid,
		Metric:       MetricCorrelation,
		Interpolator: InterpolatorLinear,
		Optimizer:    OptimizerConjugateGradientLineSearch,
		OptimizerParams: OptimizerParams{
			LearningRate:               1,
			NumberOfIterations:         100,
			MinStep:                    1e-6,
			GradientMagnitudeTolerance: 1e-6,
		},
		OptimizerScales: ScalesPhysicalShift,
		Initializer:     InitializerNone,
		ShrinkFactors:   []int{2, 1},
		SmoothingSigmas: []float64{1, 0},
	}
}

// Validate checks enumerations and cross-field constraints.
func (m MethodConfig) Validate() error {
	switch {
	case !transformModels.valid(m.Model):
		return invalidf("unknown transform model %d", int(m.Model))
	case !metrics.valid(m.Metric):
		return invalidf("unknown metric %d", int(m.Metric))
	case !interpolators.valid(m.Interpolator):
		return invalidf("unknown interpolator %d", int(m.Interpolator))
	case !optimizers.valid(m.Optimizer):
		return invalidf("unknown optimizer %d", int(m.Optimizer))
	case !optimizerScales.valid(m.OptimizerScales):
		return invalidf("unknown optimizer scales %d", int(m.OptimizerScales))
	case !initializers.valid(m.Initializer):
		return invalidf("unknown initializer %d", int(m.Initializer))
	}

	p := m.OptimizerParams
	if p.LearningRate <= 0 {
		return invalidf("optimizer learning rate must be positive")
	}
	if p.NumberOfIterations < 1 {
		return invalidf("optimizer needs at least one iteration")
	}
	if m.Optimizer == OptimizerRegularStepGradientDescent && p.MinStep <= 0 {
		return invalidf("%s needs a positive minStep", m.Optimizer)
	}

	if m.Multiresolution {
		if len(m.ShrinkFactors) == 0 || len(m.ShrinkFactors) != len(m.SmoothingSigmas) {
			return invalidf("multiresolution needs one smoothing sigma per shrink factor (got %d and %d)",
				len(m.ShrinkFactors), len(m.SmoothingSigmas))
		}
		for i, f := range m.ShrinkFactors {
			if f < 1 {
				return invalidf("shrink factor %d is %d, want >= 1", i, f)
			}
			if m.SmoothingSigmas[i] < 0 {
				return invalidf("smoothing sigma %d is negative", i)
			}
		}
	}
	return nil
}

// Describe returns the summary printed before handing the method to the
// engine.
func (m MethodConfig) Describe() []string {
	initializer := m.Initializer.String()
	mr := fmt.Sprintf("Use Multiresolution Framework: %t", m.Multiresolution)
	if m.Multiresolution {
		mr += fmt.Sprintf(" (shrink factors = %v, smoothing sigmas = %v)", m.ShrinkFactors, m.SmoothingSigmas)
	}
	return []string{
		"Transform Model: " + m.Model.String(),
		"Interpolator: " + m.Interpolator.String(),
		"Metric: " + m.Metric.String(),
		"CenteredTransformInitializer: " + initializer,
		"Optimizer: " + m.Optimizer.String(),
		fmt.Sprintf("Optimizer Params: learningRate=%g numberOfIterations=%d",
			m.OptimizerParams.LearningRate, m.OptimizerParams.NumberOfIterations),
		"Optimizer Scales: " + m.OptimizerScales.String(),
		mr,
		fmt.Sprintf("Use Fixed Mask: %t", m.UseFixedMask),
		fmt.Sprintf("Use Moving Mask: %t", m.UseMovingMask),
	}
}
