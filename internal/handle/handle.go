// Package handle implements the linear-handle discipline the pipeline
// stages rely on: a Guard is armed when a stage value is constructed
// and disarmed exactly once when a transition to the next stage
// consumes that value, whether or not the transition then succeeds.
// A second attempt to consume it panics, turning "the predecessor
// handle must not be reused" from a convention into a checked
// invariant.
package handle

// Guard is embedded by value in the Loaded stage handle.
type Guard struct {
	consumed bool
}

// Consume marks the guard as spent. It panics if called twice,
// which only happens if calling code retains and reuses a handle
// after it has already been moved into the next stage.
func (g *Guard) Consume() {
	if g.consumed {
		panic("pieload: handle already consumed")
	}
	g.consumed = true
}

// Consumed reports whether Consume has already run.
func (g *Guard) Consumed() bool {
	return g.consumed
}
