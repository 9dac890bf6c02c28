package diag

// Composite runs several child tasks against one shared report and merges
// their summaries: the final level is the worst child level and the final
// message joins every non-OK child message with "; " in child order. Values
// appended by every child accumulate on the shared report.
//
// Each child sees the summary the composite itself was handed, not the
// summary left behind by the previous child, so children stay independent.
//
// AddTask is not safe to call concurrently with Run; wire children up before
// the composite is registered.
type Composite struct {
	name     string
	children []Task
}

// NewComposite builds a composite task over the given children.
func NewComposite(name string, children ...Task) *Composite {
	c := &Composite{name: name}
	for _, t := range children {
		c.AddTask(t)
	}
	return c
}

func (c *Composite) Name() string { return c.name }

// AddTask appends a child. Children are append-only.
func (c *Composite) AddTask(t Task) {
	if t == nil {
		panic("diag: Composite.AddTask with nil task")
	}
	c.children = append(c.children, t)
}

func (c *Composite) Run(r *Report) {
	origLevel, origMsg := r.Level, r.Message
	var combined Report
	for _, child := range c.children {
		r.Level, r.Message = origLevel, origMsg
		child.Run(r)
		combined.MergeSummary(r.Level, r.Message)
	}
	r.Level, r.Message = combined.Level, combined.Message
}
