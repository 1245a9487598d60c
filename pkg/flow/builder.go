package flow

// Builder assembles a pipeline stage by stage.
type Builder struct {
	cfg    Config
	stages []Stage
}

// NewBuilder starts a builder with cfg.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Add appends a serial stage running el.
func (b *Builder) Add(el Element) *Builder {
	b.stages = append(b.stages, Serial(el))
	return b
}

// AddParallel appends a stage running els concurrently.
func (b *Builder) AddParallel(els ...Element) *Builder {
	b.stages = append(b.stages, Parallel(els...))
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	return NewPipeline(b.cfg, b.stages...)
}
