package emit

// NullEmitter discards all events.
//
// Use it when observability is not wanted; it is the default emitter when
// none is configured.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
