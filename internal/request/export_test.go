package request

// Attached reports how many callers share the in-flight call for key.
func (e *Executor) Attached(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if f, ok := e.flights[key]; ok {
		return f.refs
	}
	return 0
}
