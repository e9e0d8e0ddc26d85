package engine

// SetAfterAcquire installs a hook that runs once Start has acquired its
// resources and before it moves to Listening.
func SetAfterAcquire(e *Engine, fn func()) { e.afterAcquire = fn }

// Stopping reports whether a Stop has claimed the in-flight Start.
func Stopping(e *Engine) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}
