package engine

import "sync"

// initWaiters parks submissions that found their document environment
// Initializing. They are released, in arrival order, when the environment
// reaches Initialized.
//
// Thread-safety: all methods are safe for concurrent use.
type initWaiters struct {
	mu     sync.Mutex
	parked map[Environment][]func()
}

func newInitWaiters() *initWaiters {
	return &initWaiters{parked: make(map[Environment][]func())}
}

// park queues fn behind env and returns how many are now waiting.
func (w *initWaiters) park(env Environment, fn func()) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.parked[env] = append(w.parked[env], fn)
	return len(w.parked[env])
}

// release removes and returns everything parked behind env.
func (w *initWaiters) release(env Environment) []func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	fns := w.parked[env]
	delete(w.parked, env)
	return fns
}

// count returns how many submissions are parked behind env.
func (w *initWaiters) count(env Environment) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.parked[env])
}

// size returns the number of environments with parked submissions.
func (w *initWaiters) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.parked)
}
