package reg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseInterpolator(t *testing.T) {
	tests := []struct {
		in   string
		want Interpolator
	}{
		{"Linear", InterpolatorLinear},
		{"linear", InterpolatorLinear},
		{"NearestNeighbor", InterpolatorNearestNeighbor},
		{"NearestNeighbour", InterpolatorNearestNeighbor},
		{"BSpline", InterpolatorBSpline},
		{"0", InterpolatorNearestNeighbor},
		{"1", InterpolatorLinear},
	}
	for _, tt := range tests {
		got, err := ParseInterpolator(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseInterpolator("3")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseInterpolator("Cubic")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseEnumerations(t *testing.T) {
	m, err := ParseTransformModel("affine")
	require.NoError(t, err)
	assert.Equal(t, ModelAffine, m)

	metric, err := ParseMetric("MattesMutualInformation")
	require.NoError(t, err)
	assert.Equal(t, MetricMattesMutualInformation, metric)

	opt, err := ParseOptimizer("RegularStepGradientDescent")
	require.NoError(t, err)
	assert.Equal(t, OptimizerRegularStepGradientDescent, opt)

	scales, err := ParseOptimizerScales("Jacobian")
	require.NoError(t, err)
	assert.Equal(t, ScalesJacobian, scales)

	initializer, err := ParseInitializer("")
	require.NoError(t, err)
	assert.Equal(t, InitializerNone, initializer)

	_, err = ParseMetric("Entropy")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "metric")
}

func TestTransformModel_Table(t *testing.T) {
	assert.Equal(t, "Euler3DTransform_double_3_3", ModelRigid.FileTypeName(3))
	assert.Equal(t, "Euler2DTransform", ModelRigid.TypeName(2))
	assert.Equal(t, "Similarity3DTransform", ModelSimilarity.TypeName(3))
	assert.Equal(t, "AffineTransform", ModelAffine.TypeName(2))

	assert.Equal(t, 3, ModelRigid.ParameterCount(2))
	assert.Equal(t, 6, ModelRigid.ParameterCount(3))
	assert.Equal(t, 7, ModelSimilarity.ParameterCount(3))
	assert.Equal(t, 12, ModelAffine.ParameterCount(3))

	unknown := TransformModel(99)
	assert.NotPanics(t, func() {
		assert.Empty(t, unknown.TypeName(3))
		assert.Empty(t, unknown.FileTypeName(3))
		assert.Zero(t, unknown.ParameterCount(3))
	})
}

func TestMethodConfig_YAML(t *testing.T) {
	cfg := DefaultMethodConfig()
	cfg.Model = ModelAffine
	cfg.Interpolator = InterpolatorBSpline
	cfg.Multiresolution = true

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "model: Affine")
	assert.Contains(t, text, "interpolator: BSpline")

	var back MethodConfig
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, cfg, back)

	var bad MethodConfig
	err = yaml.Unmarshal([]byte("metric: Entropy\n"), &bad)
	assert.Error(t, err)
}

func TestMethodConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultMethodConfig().Validate())

	cfg := DefaultMethodConfig()
	cfg.Multiresolution = true
	cfg.SmoothingSigmas = []float64{2, 1, 0}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)

	cfg = DefaultMethodConfig()
	cfg.OptimizerParams.LearningRate = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)

	cfg = DefaultMethodConfig()
	cfg.Optimizer = OptimizerRegularStepGradientDescent
	cfg.OptimizerParams.MinStep = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)

	cfg = DefaultMethodConfig()
	cfg.Metric = Metric(42)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)
}

func TestMethodConfig_Describe(t *testing.T) {
	cfg := DefaultMethodConfig()
	cfg.Multiresolution = true
	lines := cfg.Describe()

	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "Transform Model: Rigid")
	assert.Contains(t, joined, "Optimizer: ConjugateGradientLineSearch")
	assert.Contains(t, joined, "shrink factors = [2 1]")
	assert.Contains(t, joined, "Use Fixed Mask: false")
}
