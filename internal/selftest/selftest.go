// Package selftest exercises the coherence protocol against a live queue
// registry, so a configured backend can be checked end to end.
package selftest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/eliseemond/elastix/internal/coherence"
	"github.com/eliseemond/elastix/internal/gpu"
	"github.com/eliseemond/elastix/internal/image"
	"github.com/eliseemond/elastix/internal/logging"
	"github.com/eliseemond/elastix/internal/pipeline"
)

// Result is the outcome of one check
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Passed reports whether the check succeeded
func (r Result) Passed() bool { return r.Err == nil }

// Options tunes the checks
type Options struct {
	Steps          int   // random walk length
	Seed           int64 // random walk seed
	Observer       coherence.Observer
	Backend        pipeline.Backend // stage variant for the pipeline check
	GenerationBump bool
}

type check struct {
	name string
	run  func(ctx context.Context, env *env) error
}

var checks = []check{
	{"scenario 4x4", scenario},
	{"round trip", roundTrip},
	{"transfer minimality", transferMinimality},
	{"queue rebind", queueRebind},
	{"graft", graft},
	{"pipeline", stagePipeline},
	{"random walk", randomWalk},
}

// Run executes every check and returns one result per check
func Run(ctx context.Context, queues *gpu.QueueRegistry, opts Options) []Result {
	if opts.Steps <= 0 {
		opts.Steps = 1000
	}
	log := logging.WithComponent("selftest")

	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		if ctx.Err() != nil {
			results = append(results, Result{Name: c.name, Err: ctx.Err()})
			continue
		}
		e := &env{queues: queues, opts: opts, counter: &counter{}}
		start := time.Now()
		err := c.run(ctx, e)
		results = append(results, Result{Name: c.name, Err: err, Duration: time.Since(start)})
		if err != nil {
			log.Warnf("check %q failed: %v", c.name, err)
		}
	}
	return results
}

type env struct {
	queues  *gpu.QueueRegistry
	opts    Options
	counter *counter
	images  []*image.Image[float32]
}

func (e *env) newImage(size ...int) (*image.Image[float32], error) {
	im := image.New[float32](e.queues,
		image.WithObserver(coherence.Observers(e.counter, e.opts.Observer)),
		image.WithGenerationBump(e.opts.GenerationBump),
	)
	im.SetRegions(image.RegionOfSize(size...))
	if err := im.Allocate(true); err != nil {
		return nil, err
	}
	return im, nil
}

func (e *env) release() error {
	var err error
	for _, im := range e.images {
		err = multierr.Append(err, im.Release())
	}
	return err
}

func scenario(_ context.Context, e *env) (err error) {
	im, err := e.newImage(4, 4)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Invoke(im.Release))

	im.FillBuffer(7)
	if err := im.UpdateGPUBuffer(); err != nil {
		return err
	}
	if err := writeDevice(im, 9); err != nil {
		return err
	}
	if err := im.UpdateCPUBuffer(); err != nil {
		return err
	}
	v, err := im.GetPixel(image.Index{0, 0})
	if err != nil {
		return err
	}
	if v != 9 {
		return fmt.Errorf("host pixel after device write = %v, want 9", v)
	}

	im.FillBuffer(3)
	if err := im.UpdateGPUBuffer(); err != nil {
		return err
	}
	dev, err := readDevice(im)
	if err != nil {
		return err
	}
	for i, v := range dev {
		if v != 3 {
			return fmt.Errorf("device pixel %d = %v, want 3", i, v)
		}
	}
	if im.GPUDataManager().DeviceDirty() {
		return errors.New("device still dirty after sync")
	}
	return nil
}

func roundTrip(_ context.Context, e *env) (err error) {
	im, err := e.newImage(64, 64)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Invoke(im.Release))

	pixels := im.BufferPointer()
	rng := rand.New(rand.NewSource(e.opts.Seed))
	for i := range pixels {
		pixels[i] = rng.Float32()
	}
	want := append([]float32(nil), pixels...)

	if err := im.UpdateGPUBuffer(); err != nil {
		return err
	}
	if err := im.UpdateCPUBuffer(); err != nil {
		return err
	}
	got, err := im.ConstBufferPointer()
	if err != nil {
		return err
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("pixel %d = %v, want %v", i, got[i], want[i])
		}
	}
	return nil
}

func transferMinimality(_ context.Context, e *env) (err error) {
	im, err := e.newImage(32, 32)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Invoke(im.Release))

	if err := writeDevice(im, 1); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := im.UpdateCPUBuffer(); err != nil {
			return err
		}
	}
	if _, down := e.counter.counts(); down != 1 {
		return fmt.Errorf("%d device to host transfers for repeated syncs, want 1", down)
	}
	return nil
}

func queueRebind(_ context.Context, e *env) (err error) {
	if e.queues.Len() < 2 {
		return nil
	}
	im, err := e.newImage(16, 16)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Invoke(im.Release))

	if err := im.UpdateGPUBuffer(); err != nil {
		return err
	}
	before, _ := e.counter.counts()
	if err := im.SetCurrentCommandQueue(1); err != nil {
		return err
	}
	if err := im.UpdateGPUBuffer(); err != nil {
		return err
	}
	if after, _ := e.counter.counts(); after != before+1 {
		return fmt.Errorf("rebind caused %d uploads, want 1", after-before)
	}
	return nil
}

func graft(_ context.Context, e *env) (err error) {
	a, err := e.newImage(8, 8)
	if err != nil {
		return err
	}
	b, err := e.newImage(8, 8)
	if err != nil {
		return err
	}
	e.images = append(e.images, a, b)
	defer multierr.AppendInvoke(&err, multierr.Invoke(e.release))

	if err := a.UpdateGPUBuffer(); err != nil {
		return err
	}
	if err := writeDevice(b, 5); err != nil {
		return err
	}
	if err := a.Graft(b); err != nil {
		return err
	}
	if s := a.GPUDataManager().State(); s != coherence.DeviceStale {
		return fmt.Errorf("state after graft = %s, want %s", s, coherence.DeviceStale)
	}
	dev, err := readDevice(a)
	if err != nil {
		return err
	}
	if dev[0] != 5 {
		return fmt.Errorf("grafted device pixel = %v, want 5", dev[0])
	}
	return nil
}

// randomWalk applies random reads and writes on both sides and checks every
// read against the latest write
func randomWalk(ctx context.Context, e *env) (err error) {
	const n = 64
	im, err := e.newImage(n)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Invoke(im.Release))

	rng := rand.New(rand.NewSource(e.opts.Seed))
	m := im.GPUDataManager()
	latest := float32(0)

	for step := 0; step < e.opts.Steps; step++ {
		if step%64 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		switch rng.Intn(5) {
		case 0:
			latest = float32(step)
			im.FillBuffer(latest)
		case 1:
			latest = float32(step)
			if err := writeDevice(im, latest); err != nil {
				return err
			}
		case 2:
			v, err := im.GetPixel(image.Index{rng.Intn(n)})
			if err != nil {
				return err
			}
			if v != latest {
				return fmt.Errorf("step %d: host read %v, want %v", step, v, latest)
			}
		case 3:
			dev, err := readDevice(im)
			if err != nil {
				return err
			}
			if dev[rng.Intn(n)] != latest {
				return fmt.Errorf("step %d: device read stale data", step)
			}
		case 4:
			id := gpu.QueueID(rng.Intn(e.queues.Len()))
			if err := im.SetCurrentCommandQueue(id); err != nil && !errors.Is(err, coherence.ErrDeviceWritePending) {
				return err
			}
		}
		if s := m.State(); s.HostDirty() && s.DeviceDirty() {
			return fmt.Errorf("step %d: both copies stale", step)
		}
	}
	return nil
}

func writeDevice(im *image.Image[float32], v float32) error {
	buf, err := im.GPUDataManager().DeviceBufferForWrite()
	if err != nil {
		return err
	}
	c := image.NewPixelContainer[float32](im.Region().NumberOfPixels())
	for i := range c.Slice() {
		c.Slice()[i] = v
	}
	return buf.CopyFromHost(c.Bytes())
}

func readDevice(im *image.Image[float32]) ([]float32, error) {
	buf, err := im.GPUDataManager().DeviceBufferForRead()
	if err != nil {
		return nil, err
	}
	c := image.NewPixelContainer[float32](im.Region().NumberOfPixels())
	if err := buf.CopyToHost(c.Bytes()); err != nil {
		return nil, err
	}
	return c.Slice(), nil
}

type counter struct {
	mu        sync.Mutex
	uploads   int
	downloads int
}

func (c *counter) ObserveTransfer(_ uuid.UUID, dir coherence.Direction, _ int64, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == coherence.HostToDevice {
		c.uploads++
	} else {
		c.downloads++
	}
}

func (c *counter) ObserveAllocation(uuid.UUID, int64, error) {}

func (c *counter) ObserveTransition(uuid.UUID, coherence.DirtyState, coherence.DirtyState) {}

func (c *counter) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploads, c.downloads
}
