package reg

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

const transformFileHeader = "#Insight Transform File V1.0"

// properTolerance bounds ‖RᵀR − I‖ for rotations read from disk.
const properTolerance = 1e-6

// FormatRigidTransform writes t as a single Euler2D/Euler3D transform with
// zero center.
func FormatRigidTransform(w io.Writer, t RigidTransform) error {
	d := t.Dim()
	if d != 2 && d != 3 {
		return invalidf("cannot write %dD transform", d)
	}
	params := append(t.Angles(), t.TranslationData()...)
	fixed := make([]float64, d)
	if d == 3 {
		// center followed by the ComputeZYX flag
		fixed = append(fixed, 0)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, transformFileHeader)
	fmt.Fprintln(bw, "#Transform 0")
	fmt.Fprintf(bw, "Transform: %s\n", ModelRigid.FileTypeName(d))
	fmt.Fprintf(bw, "Parameters: %s\n", joinFloats(params))
	fmt.Fprintf(bw, "FixedParameters: %s\n", joinFloats(fixed))
	return bw.Flush()
}

// WriteRigidTransform writes the transform file at path.
func WriteRigidTransform(path string, t RigidTransform) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating transform file: %w", err)
	}
	if err := FormatRigidTransform(f, t); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing transform file: %w", err)
	}
	return f.Close()
}

// ReadRigidTransform loads the first transform of a transform file.
func ReadRigidTransform(path string) (RigidTransform, error) {
	f, err := os.Open(path)
	if err != nil {
		return RigidTransform{}, fmt.Errorf("opening transform file: %w", err)
	}
	defer func() { _ = f.Close() }()

	t, err := ParseRigidTransform(f)
	if err != nil {
		return RigidTransform{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseRigidTransform reads Euler2D, Euler3D or rigid Affine transforms. A
// non-zero center c is folded into the translation: t' = t + c − R c.
func ParseRigidTransform(r io.Reader) (RigidTransform, error) {
	fields := map[string]string{}
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			if !strings.HasPrefix(line, "#Insight Transform File") {
				return RigidTransform{}, invalidf("not a transform file")
			}
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return RigidTransform{}, invalidf("malformed line %q", line)
		}
		key = strings.TrimSpace(key)
		if _, seen := fields[key]; seen && key == "Transform" {
			// only the first transform is read
			break
		}
		fields[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return RigidTransform{}, fmt.Errorf("reading transform file: %w", err)
	}

	typeName, ok := fields["Transform"]
	if !ok {
		return RigidTransform{}, invalidf("transform file has no Transform line")
	}
	params, err := parseFloats(fields["Parameters"])
	if err != nil {
		return RigidTransform{}, err
	}
	fixed, err := parseFloats(fields["FixedParameters"])
	if err != nil {
		return RigidTransform{}, err
	}

	base, _, _ := strings.Cut(typeName, "_")
	var rot []float64
	var trans []float64
	var center []float64
	switch base {
	case ModelRigid.TypeName(2):
		if len(params) != 3 {
			return RigidTransform{}, invalidf("%s needs 3 parameters, got %d", base, len(params))
		}
		rot = RotationFromAngle(params[0]).RawMatrix().Data
		trans = params[1:3]
		center = padCenter(fixed, 2)
	case ModelRigid.TypeName(3):
		if len(params) != 6 {
			return RigidTransform{}, invalidf("%s needs 6 parameters, got %d", base, len(params))
		}
		r := RotationFromEuler(params[0], params[1], params[2])
		if len(fixed) >= 4 && fixed[3] != 0 {
			r = rotationZYX(params[0], params[1], params[2])
		}
		rot = r.RawMatrix().Data
		trans = params[3:6]
		center = padCenter(fixed, 3)
	case ModelAffine.TypeName(0):
		d := 0
		for _, cand := range []int{2, 3} {
			if len(params) == ModelAffine.ParameterCount(cand) {
				d = cand
			}
		}
		if d == 0 {
			return RigidTransform{}, invalidf("%s has %d parameters", base, len(params))
		}
		rot = params[:d*d]
		trans = params[d*d:]
		center = padCenter(fixed, d)
	default:
		return RigidTransform{}, invalidf("unsupported transform type %q", typeName)
	}

	t, err := NewRigidTransform(rot, trans, properTolerance)
	if err != nil {
		return RigidTransform{}, err
	}
	return foldCenter(t, center), nil
}

func foldCenter(t RigidTransform, center []float64) RigidTransform {
	c := mat.NewVecDense(len(center), center)
	var rc mat.VecDense
	rc.MulVec(t.Rotation, c)
	t.Translation.AddVec(t.Translation, c)
	t.Translation.SubVec(t.Translation, &rc)
	return t
}

func padCenter(fixed []float64, d int) []float64 {
	c := make([]float64, d)
	copy(c, fixed)
	return c
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, invalidf("parameter %q is not a finite number", f)
		}
		out[i] = v
	}
	return out, nil
}

func joinFloats(xs []float64) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.FormatFloat(x, 'g', 17, 64)
	}
	return strings.Join(parts, " ")
}
