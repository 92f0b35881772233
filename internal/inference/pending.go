package inference

import (
	"os"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/preprocess"
)

// inputSource is one materialized request input.
type inputSource struct {
	name string
	kind preprocess.Source
	file *os.File
	dims []int
	size int64
}

// pendingJob is the state of one in-flight Predict call. Nothing in it is
// shared across requests.
type pendingJob struct {
	id   string
	conn accel.Connection

	files    []*os.File
	sources  []*inputSource
	frameRef uint64

	inputs  []*accel.Tensor
	outputs []*accel.Tensor
	stages  []*preprocess.Stage
	job     *accel.Job
}

func (p *pendingJob) track(f *os.File) *os.File {
	p.files = append(p.files, f)
	return f
}

// releaseAccel frees every accelerator object of the request. Callers hold
// the accelerator lock.
func (p *pendingJob) releaseAccel() error {
	var errs error
	if p.job != nil {
		errs = errdefs.CombineErrors(errs, p.conn.DestroyJob(p.job))
		p.job = nil
	}
	for _, st := range p.stages {
		errs = errdefs.CombineErrors(errs, st.Close())
	}
	p.stages = nil
	if p.inputs != nil {
		errs = errdefs.CombineErrors(errs, p.conn.DestroyTensors(p.inputs))
		p.inputs = nil
	}
	if p.outputs != nil {
		errs = errdefs.CombineErrors(errs, p.conn.DestroyTensors(p.outputs))
		p.outputs = nil
	}
	return errs
}

// closeFiles closes every backing file. Temporary files are already
// unlinked, so this frees them.
func (p *pendingJob) closeFiles() error {
	var errs error
	for _, f := range p.files {
		errs = errdefs.CombineErrors(errs, f.Close())
	}
	p.files = nil
	return errs
}
