//go:build tinygo

package framework

// Boards have no process signals; the loop runs until power off.
func stopOnSignal(r *Runner) *Runner {
	return r
}
