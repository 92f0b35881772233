package soft

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
)

// Operations a model descriptor can name.
const (
	OpIdentity    = "identity"
	OpChannelMean = "channel_mean"
	OpFail        = "fail"
)

// TensorFile is one tensor entry of a model descriptor.
type TensorFile struct {
	Name   string `yaml:"name"`
	DType  string `yaml:"dtype"`
	Layout string `yaml:"layout"`
	Dims   []int  `yaml:"dims"`
}

// ModelFile is the YAML descriptor a CPU model is loaded from.
//
//	name: classifier
//	op: channel_mean
//	inputs:
//	  - {name: data, dtype: uint8, layout: nhwc, dims: [1, 224, 224, 3]}
//	outputs:
//	  - {name: mean, dtype: float32, dims: [1, 3]}
type ModelFile struct {
	Name    string       `yaml:"name"`
	Op      string       `yaml:"op"`
	Inputs  []TensorFile `yaml:"inputs"`
	Outputs []TensorFile `yaml:"outputs"`
}

// ReadModelFile parses and validates a descriptor.
func ReadModelFile(path string) (*ModelFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mf ModelFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	switch mf.Op {
	case OpIdentity, OpChannelMean, OpFail:
	case "":
		mf.Op = OpIdentity
	default:
		return nil, fmt.Errorf("%s: unknown op %q", path, mf.Op)
	}
	if len(mf.Inputs) == 0 || len(mf.Outputs) == 0 {
		return nil, fmt.Errorf("%s: model needs at least one input and one output", path)
	}
	return &mf, nil
}

// WriteModelFile writes a descriptor, for tooling and tests.
func WriteModelFile(path string, mf *ModelFile) error {
	data, err := yaml.Marshal(mf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (tf TensorFile) spec() (accel.TensorSpec, error) {
	dt, err := accel.ParseDataType(tf.DType)
	if err != nil {
		return accel.TensorSpec{}, fmt.Errorf("tensor %q: %w", tf.Name, err)
	}
	layout, err := accel.ParseLayout(tf.Layout)
	if err != nil {
		return accel.TensorSpec{}, fmt.Errorf("tensor %q: %w", tf.Name, err)
	}
	for _, d := range tf.Dims {
		if d <= 0 {
			return accel.TensorSpec{}, fmt.Errorf("tensor %q: invalid dims %v", tf.Name, tf.Dims)
		}
	}
	return accel.TensorSpec{Name: tf.Name, DataType: dt, Layout: layout, Dims: append([]int(nil), tf.Dims...)}, nil
}

func specs(files []TensorFile) ([]accel.TensorSpec, error) {
	out := make([]accel.TensorSpec, 0, len(files))
	for _, tf := range files {
		s, err := tf.spec()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
