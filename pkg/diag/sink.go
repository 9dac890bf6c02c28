package diag

// Sink receives report batches from the updater. Publish is fire-and-forget:
// it has no error return and implementations must not block for long, since
// the updater calls it while holding the registry mutex. Sinks that do slow
// work should queue internally.
type Sink interface {
	Publish(batch []Report)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(batch []Report)

func (f SinkFunc) Publish(batch []Report) { f(batch) }

type multiSink struct {
	sinks []Sink
}

// MultiSink fans every batch out to each sink in order. Nil sinks are
// skipped.
func MultiSink(sinks ...Sink) Sink {
	m := &multiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *multiSink) Publish(batch []Report) {
	for _, s := range m.sinks {
		s.Publish(batch)
	}
}
