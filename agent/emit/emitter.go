package emit

// Emitter receives observability events from agent execution.
//
// Implementations must be:
//   - Non-blocking: never stall the run loop
//   - Thread-safe: parallel branches emit concurrently
//   - Resilient: a failing backend must not crash the run
//
// Emit should not panic; backend errors are handled internally.
type Emitter interface {
	Emit(event Event)
}

// Multi fans every event out to several emitters in order.
//
// Nil members are skipped, so optional backends can be wired
// unconditionally:
//
//	emitter := emit.Multi{logEmitter, otelEmitter}
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
