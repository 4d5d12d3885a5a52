package session

import (
	"sync"
	"time"

	"github.com/user/ptymux/internal/wire"
)

const defaultSubscriberBacklog = 256

// Subscriber is one viewer's attachment to a session. Replay holds what
// happened before it attached; Frames carries everything after, with no
// gap and no overlap between the two.
type Subscriber struct {
	session *Session
	payload wire.SubscribePayload
	frames  chan wire.Frame
	replay  []wire.Frame
	done    chan struct{}
	once    sync.Once
}

func newSubscriber(s *Session, payload wire.SubscribePayload, backlog int) *Subscriber {
	if backlog <= 0 {
		backlog = defaultSubscriberBacklog
	}
	return &Subscriber{
		session: s,
		payload: payload,
		frames:  make(chan wire.Frame, backlog),
		done:    make(chan struct{}),
	}
}

func (sub *Subscriber) SessionID() string { return sub.session.id }

func (sub *Subscriber) Flags() wire.SubscribeFlags { return sub.payload.Flags }

// Replay returns the frames to send before anything from Frames: a resize
// to the replay size, recorded output since the last full-screen clear,
// then a snapshot when one was requested.
func (sub *Subscriber) Replay() []wire.Frame { return sub.replay }

// Frames delivers live frames. It is never closed; watch Done.
func (sub *Subscriber) Frames() <-chan wire.Frame { return sub.frames }

// Done is closed when the subscriber is detached: by Close, because it fell
// behind, or because the session was removed.
func (sub *Subscriber) Done() <-chan struct{} { return sub.done }

// Close unsubscribes. The session keeps running.
func (sub *Subscriber) Close() {
	sub.session.unsubscribe(sub)
}

func (sub *Subscriber) offer(frame wire.Frame) bool {
	select {
	case sub.frames <- frame:
		return true
	default:
		return false
	}
}

func (sub *Subscriber) finish() {
	sub.once.Do(func() { close(sub.done) })
}

// snapshotLoop sends a fresh snapshot once the screen has settled for one
// minimum interval, or once changes have been pending for the maximum
// interval, whichever comes first.
func (sub *Subscriber) snapshotLoop(sent uint64) {
	minInterval := sub.payload.SnapshotMinInterval()
	maxInterval := sub.payload.SnapshotMaxInterval()
	screen := sub.session.screen

	ticker := time.NewTicker(minInterval)
	defer ticker.Stop()

	var (
		pendingSince time.Time
		previous     = sent
	)
	for {
		select {
		case <-sub.done:
			return
		case now := <-ticker.C:
			version := screen.Version()
			if version == sent {
				pendingSince = time.Time{}
				previous = version
				continue
			}
			if pendingSince.IsZero() {
				pendingSince = now
			}
			settled := version == previous
			previous = version
			if !settled && now.Sub(pendingSince) < maxInterval {
				continue
			}

			snapshot := screen.Snapshot()
			frame := wire.Frame{Type: wire.TypeSnapshot, SessionID: sub.session.id, Payload: snapshot.Encode()}
			if !sub.session.deliver(sub, frame) {
				return
			}
			sent = snapshot.Version
			pendingSince = time.Time{}
		}
	}
}
