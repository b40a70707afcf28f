package selftest

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/eliseemond/elastix/internal/image"
	"github.com/eliseemond/elastix/internal/pipeline"
)

// scaleStage multiplies its input by a constant. The GPU variant writes the
// result into the output's device copy, the CPU variant into its host copy.
type scaleStage struct {
	backend pipeline.Backend
	factor  float32
	in, out *image.Image[float32]
}

func newStages(factor float32) *pipeline.Registry {
	r := pipeline.NewRegistry()
	for _, b := range []pipeline.Backend{pipeline.CPU, pipeline.GPU} {
		b := b
		r.Register("scale", b, func(ports pipeline.Ports) (pipeline.Stage, error) {
			if len(ports.Inputs) != 1 {
				return nil, fmt.Errorf("scale takes 1 input, got %d", len(ports.Inputs))
			}
			in, ok := ports.Inputs[0].(*image.Image[float32])
			if !ok {
				return nil, fmt.Errorf("scale input is %T", ports.Inputs[0])
			}
			out, ok := ports.Output.(*image.Image[float32])
			if !ok {
				return nil, fmt.Errorf("scale output is %T", ports.Output)
			}
			return &scaleStage{backend: b, factor: factor, in: in, out: out}, nil
		})
	}
	return r
}

func (s *scaleStage) Name() string { return "scale" }
func (s *scaleStage) Backend() pipeline.Backend { return s.backend }
func (s *scaleStage) Inputs() []pipeline.DataObject { return []pipeline.DataObject{s.in} }
func (s *scaleStage) Output() pipeline.DataObject { return s.out }

func (s *scaleStage) Run(context.Context) error {
	src, err := s.in.ConstBufferPointer()
	if err != nil {
		return err
	}
	if s.backend == pipeline.CPU {
		dst := s.out.BufferPointer()
		for i, v := range src {
			dst[i] = s.factor * v
		}
		return nil
	}

	scaled := image.NewPixelContainer[float32](len(src))
	for i, v := range src {
		scaled.Slice()[i] = s.factor * v
	}
	buf, err := s.out.GPUDataManager().DeviceBufferForWrite()
	if err != nil {
		return err
	}
	return buf.CopyFromHost(scaled.Bytes())
}

// stagePipeline runs a scale stage on the configured backend and checks the
// output from the host and the stage's rerun logic
func stagePipeline(ctx context.Context, e *env) (err error) {
	in, err := e.newImage(32)
	if err != nil {
		return err
	}
	out, err := e.newImage(32)
	if err != nil {
		return err
	}
	e.images = append(e.images, in, out)
	defer multierr.AppendInvoke(&err, multierr.Invoke(e.release))

	in.FillBuffer(3)
	in.Modified()

	stage, err := newStages(2).New("scale", e.opts.Backend, pipeline.Ports{
		Inputs: []pipeline.DataObject{in},
		Output: out,
	})
	if err != nil {
		return err
	}
	p := pipeline.New()
	p.Add(stage)

	if err := p.Update(ctx); err != nil {
		return err
	}
	if e.opts.GenerationBump && stage.Backend() == pipeline.GPU && out.MTime() <= out.UpdateMTime() {
		return fmt.Errorf("device write at %d not after generation at %d", out.MTime(), out.UpdateMTime())
	}
	if err := expectPixels(out, 6); err != nil {
		return err
	}

	last := p.LastRun(stage)
	if err := p.Update(ctx); err != nil {
		return err
	}
	if p.LastRun(stage) != last {
		return fmt.Errorf("stage reran with unchanged input")
	}

	in.FillBuffer(5)
	in.Modified()
	if err := p.Update(ctx); err != nil {
		return err
	}
	return expectPixels(out, 10)
}

func expectPixels(im *image.Image[float32], want float32) error {
	got, err := im.ConstBufferPointer()
	if err != nil {
		return err
	}
	for i, v := range got {
		if v != want {
			return fmt.Errorf("pixel %d = %v, want %v", i, v, want)
		}
	}
	return nil
}
