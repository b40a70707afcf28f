package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/eliseemond/elastix/internal/logging"
)

// Backend selects where a stage variant executes
type Backend int

const (
	CPU Backend = iota
	GPU
)

func (b Backend) String() string {
	switch b {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// ParseBackend parses "cpu" or "gpu"
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return CPU, nil
	case "gpu":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("unknown backend %q", s)
	}
}

// ErrNoStage is returned when no variant of a stage is registered
var ErrNoStage = errors.New("pipeline: no such stage")

// Stage is one processing step of a pipeline
type Stage interface {
	Name() string
	Backend() Backend
	Inputs() []DataObject
	Output() DataObject
	Run(ctx context.Context) error
}

// Ports binds a stage to its data
type Ports struct {
	Inputs []DataObject
	Output DataObject
}

// Factory builds a stage variant bound to ports
type Factory func(ports Ports) (Stage, error)

// Registry holds stage variants per backend. Variants are chosen once, when
// the pipeline is assembled.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]map[Backend]Factory
}

// NewRegistry creates an empty stage registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]map[Backend]Factory)}
}

// Register adds the backend variant of a named stage
func (r *Registry) Register(name string, backend Backend, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	variants, ok := r.factories[name]
	if !ok {
		variants = make(map[Backend]Factory)
		r.factories[name] = variants
	}
	variants[backend] = f
}

// New builds the requested variant. A missing GPU variant falls back to the
// CPU one.
func (r *Registry) New(name string, backend Backend, ports Ports) (Stage, error) {
	r.mu.RLock()
	variants := r.factories[name]
	f, ok := variants[backend]
	if !ok && backend == GPU {
		if f, ok = variants[CPU]; ok {
			logging.WithComponent("pipeline").Warnf("stage %s has no GPU variant, using CPU", name)
		}
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoStage, name, backend)
	}
	return f(ports)
}

// releaser is implemented by data objects that can drop their data
type releaser interface {
	DataReleased() bool
}

// Pipeline runs stages in insertion order, skipping any stage whose
// inputs have not changed since it last ran
type Pipeline struct {
	stages []Stage
	runs   map[Stage]*TimeStamp
	log    *logrus.Entry
}

// New creates an empty pipeline
func New() *Pipeline {
	return &Pipeline{
		runs: make(map[Stage]*TimeStamp),
		log:  logging.WithComponent("pipeline"),
	}
}

// Add appends stages to the pipeline
func (p *Pipeline) Add(stages ...Stage) {
	for _, s := range stages {
		p.stages = append(p.stages, s)
		p.runs[s] = &TimeStamp{}
	}
}

// Update brings every stage output up to date
func (p *Pipeline) Update(ctx context.Context) error {
	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.needsRun(s) {
			p.log.Debugf("stage %s up to date", s.Name())
			continue
		}

		p.log.Debugf("running stage %s on %s", s.Name(), s.Backend())
		if err := s.Run(ctx); err != nil {
			return fmt.Errorf("stage %s (%s): %w", s.Name(), s.Backend(), err)
		}
		s.Output().DataHasBeenGenerated()
		p.runs[s].Modified()
	}
	return nil
}

// LastRun returns the clock value of the stage's last completed run
func (p *Pipeline) LastRun(s Stage) uint64 {
	if ts, ok := p.runs[s]; ok {
		return ts.Time()
	}
	return 0
}

func (p *Pipeline) needsRun(s Stage) bool {
	last := p.runs[s].Time()
	if last == 0 {
		return true
	}
	if r, ok := s.Output().(releaser); ok && r.DataReleased() {
		return true
	}
	for _, in := range s.Inputs() {
		if in.MTime() > last {
			return true
		}
	}
	return false
}
