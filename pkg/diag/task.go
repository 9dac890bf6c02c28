package diag

// Task is a named diagnostic check. Run fills in the passed report; it never
// returns an error, failures are expressed through the report's summary.
type Task interface {
	Name() string
	Run(*Report)
}

// RunFunc is the body of a function-backed task.
type RunFunc func(*Report)

type funcTask struct {
	name string
	fn   RunFunc
}

// NewTask wraps fn as a Task with the given name.
func NewTask(name string, fn RunFunc) Task {
	if fn == nil {
		panic("diag: NewTask with nil function")
	}
	return &funcTask{name: name, fn: fn}
}

func (t *funcTask) Name() string { return t.name }

func (t *funcTask) Run(r *Report) { t.fn(r) }
