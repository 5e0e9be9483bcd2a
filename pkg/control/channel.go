package control

import (
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "control")

// DefaultBuffer is generous enough that the guest worker practically never
// blocks sending a message; it only would if the reactor goroutine fell far
// behind, at which point blocking is the correct backpressure (spec §4.5:
// "delivery is reliable while both endpoints live").
const DefaultBuffer = 4096

// Channel is the guest-worker-to-host-reactor message queue.
type Channel struct {
	ch chan Message
}

// NewChannel creates a channel with the given buffer depth.
func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Channel{ch: make(chan Message, buffer)}
}

// Send enqueues a message, blocking only if the channel is saturated.
func (c *Channel) Send(m Message) {
	log.WithFields(logrus.Fields{"kind": m.Kind, "key": m.Key, "id": m.ID.String()}).Trace("control message sent")
	c.ch <- m
}

// Messages exposes the receive side for the reactor's dispatch loop.
func (c *Channel) Messages() <-chan Message {
	return c.ch
}

// Close signals that no further messages will be sent. It must only be
// called by the single sender (the guest worker), never by the reactor.
func (c *Channel) Close() {
	close(c.ch)
}
