package pty

// EventType distinguishes what a Peer received from its link.
type EventType int

const (
	// EventOutput carries PTY output.
	EventOutput EventType = iota
	// EventStatus carries a status update (running, resized, exited).
	EventStatus
)

// Event is a single notification delivered by a Peer.
type Event struct {
	Type   EventType
	Data   []byte
	Status StatusUpdate
}

// Exited reports whether the event is the terminal status update.
func (e Event) Exited() bool {
	return e.Type == EventStatus && e.Status.Status == StatusExited
}

// Registrar is told about a PTY once it is running. Implementations look
// the session up by id; a link never holds a reference to its owner.
type Registrar interface {
	RegisterPTY(sessionID string, pid int, cols, rows uint16)
}
