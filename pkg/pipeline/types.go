package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Experience is one unit of input produced by the upstream substrate.
// Values are immutable: tags are copied on construction and on read.
type Experience struct {
	ID        string
	Content   string
	Timestamp time.Time
	tags      map[string]float64
}

// NewExperience builds an Experience. An empty id gets a generated one and a
// zero timestamp becomes now.
func NewExperience(id, content string, ts time.Time, tags map[string]float64) Experience {
	if strings.TrimSpace(id) == "" {
		id = "exp-" + uuid.NewString()
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return Experience{
		ID:        id,
		Content:   content,
		Timestamp: ts,
		tags:      copyFloats(tags),
	}
}

// Tags returns a copy of the experience tags.
func (e Experience) Tags() map[string]float64 {
	return copyFloats(e.tags)
}

func (e Experience) Tag(name string) (float64, bool) {
	v, ok := e.tags[name]
	return v, ok
}

// Output is what a single stage contributes to a Context.
type Output struct {
	Values map[string]float64
	Labels map[string]string
}

func (o Output) Value(key string) (float64, bool) {
	v, ok := o.Values[key]
	return v, ok
}

func (o Output) Label(key string) (string, bool) {
	v, ok := o.Labels[key]
	return v, ok
}

func (o Output) clone() Output {
	return Output{Values: copyFloats(o.Values), Labels: copyStrings(o.Labels)}
}

// Context accumulates stage outputs for one pipeline run. It is owned by a
// single run; parallel members each receive their own fork.
type Context struct {
	Experience Experience

	fields  map[string]Output
	metrics map[string]float64
	skipped []string

	// owner is the stage allowed to write through Put; written tracks the
	// metrics a fork changed so fan-in only merges those.
	owner   string
	written map[string]struct{}
}

// NewContext starts an empty Context for exp.
func NewContext(exp Experience) *Context {
	return &Context{
		Experience: exp,
		fields:     map[string]Output{},
		metrics:    map[string]float64{},
	}
}

// Put records the current stage's output. A stage writes exactly once.
func (c *Context) Put(out Output) error {
	if c.owner == "" {
		return ErrNoOwner
	}
	if _, exists := c.fields[c.owner]; exists {
		return fmt.Errorf("%w: %s", ErrFieldExists, c.owner)
	}
	c.fields[c.owner] = out.clone()
	return nil
}

// SetMetric updates a running metric on behalf of the current stage.
func (c *Context) SetMetric(name string, value float64) {
	c.metrics[name] = value
	if c.written != nil {
		c.written[name] = struct{}{}
	}
}

func (c *Context) Metric(name string) (float64, bool) {
	v, ok := c.metrics[name]
	return v, ok
}

// Metrics returns a copy of the running metrics.
func (c *Context) Metrics() map[string]float64 {
	return copyFloats(c.metrics)
}

// Field returns a copy of the named stage output.
func (c *Context) Field(stage string) (Output, bool) {
	out, ok := c.fields[stage]
	if !ok {
		return Output{}, false
	}
	return out.clone(), true
}

// Fields returns a deep copy of every stage output.
func (c *Context) Fields() map[string]Output {
	out := make(map[string]Output, len(c.fields))
	for k, v := range c.fields {
		out[k] = v.clone()
	}
	return out
}

// FieldNames lists the stages that produced output, sorted.
func (c *Context) FieldNames() []string {
	names := make([]string, 0, len(c.fields))
	for k := range c.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Skipped lists skippable stages that failed and left no output.
func (c *Context) Skipped() []string {
	return append([]string(nil), c.skipped...)
}

// fork returns an isolated copy whose only writable field is owner's.
func (c *Context) fork(owner string) *Context {
	f := &Context{
		Experience: c.Experience,
		fields:     make(map[string]Output, len(c.fields)+1),
		metrics:    copyFloats(c.metrics),
		skipped:    append([]string(nil), c.skipped...),
		owner:      owner,
		written:    map[string]struct{}{},
	}
	for k, v := range c.fields {
		f.fields[k] = v
	}
	return f
}

// merge folds a fork's own field and written metrics back into c.
func (c *Context) merge(f *Context) error {
	if out, ok := f.fields[f.owner]; ok {
		if _, exists := c.fields[f.owner]; exists {
			return fmt.Errorf("%w: %s", ErrFieldExists, f.owner)
		}
		c.fields[f.owner] = out
	}
	names := make([]string, 0, len(f.written))
	for name := range f.written {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.metrics[name] = f.metrics[name]
	}
	return nil
}

func (c *Context) markSkipped(stage string) {
	c.skipped = append(c.skipped, stage)
}

func copyFloats(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
