package hub

// Kind is the closed set of message variants a subscriber can observe.
type Kind int

const (
	// KindNewResponse signals that new data was appended to the run's event
	// log; subscribers re-read the log to pick it up.
	KindNewResponse Kind = iota

	// KindControl carries a terminal control payload (STOP, END_STREAM or
	// ERROR); it is the last message delivered for a run.
	KindControl

	// KindError reports an upstream subscription failure; like KindControl it
	// terminates the stream.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindNewResponse:
		return "new_response"
	case KindControl:
		return "control"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Message is a single fan-out delivery.
type Message struct {
	Kind Kind
	// Control holds the control payload when Kind==KindControl.
	Control string
	// Err holds the upstream failure message when Kind==KindError.
	Err string
}

// Terminal reports whether no further messages follow this one.
func (m Message) Terminal() bool {
	return m.Kind == KindControl || m.Kind == KindError
}
