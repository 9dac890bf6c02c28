package diag

// NewHeartbeat returns a task that always reports OK. Its only purpose is to
// show the dispatch pipeline itself is alive.
func NewHeartbeat() Task {
	return NewTask("Heartbeat", func(r *Report) {
		r.Summary(LevelOK, "Alive")
	})
}
