// Package control implements the one-directional message channel from the
// guest worker to the host reactor (spec §4.5): tcp-connect, tcp-send,
// tcp-close, tcp-pause, tcp-resume and udp-send, FIFO per sender, reliable
// while both endpoints live. The reverse direction never uses this channel;
// host-to-guest events travel exclusively through the shared-memory ring
// (pkg/sharedmem, pkg/wire) so the guest never blocks waiting on the host.
package control

import (
	"fmt"

	"github.com/rs/xid"
)

// Kind identifies the shape of a Message.
type Kind uint8

const (
	TCPConnect Kind = iota
	TCPSend
	TCPClose
	TCPPause
	TCPResume
	UDPSend
)

func (k Kind) String() string {
	switch k {
	case TCPConnect:
		return "tcp-connect"
	case TCPSend:
		return "tcp-send"
	case TCPClose:
		return "tcp-close"
	case TCPPause:
		return "tcp-pause"
	case TCPResume:
		return "tcp-resume"
	case UDPSend:
		return "udp-send"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is a single event flowing from the guest's network stack to the
// host's socket reactor. Key is the flow's FlowKey.String() form: both sides
// look a flow up by key rather than by pointer (spec §9, "ownership by
// key"), so a cross-context reference is always this string, never a Go
// pointer into the other side's state.
type Message struct {
	Kind    Kind
	Key     string
	Data    []byte // payload for TCPSend / UDPSend
	Destroy bool   // for TCPClose: true = abortive (RST-equivalent), false = graceful

	// ID is a short, roughly time-sortable identifier used only to
	// correlate a message with its eventual log lines across the two
	// goroutines; it plays no part in flow identity or wire framing.
	ID xid.ID
}

func newMessage(kind Kind, key string) Message {
	return Message{Kind: kind, Key: key, ID: xid.New()}
}

// Connect builds a tcp-connect message.
func Connect(key string) Message { return newMessage(TCPConnect, key) }

// Send builds a tcp-send or udp-send message carrying a payload copy.
func Send(kind Kind, key string, data []byte) Message {
	m := newMessage(kind, key)
	m.Data = append([]byte(nil), data...)
	return m
}

// Close builds a tcp-close message; destroy selects abortive vs graceful.
func Close(key string, destroy bool) Message {
	m := newMessage(TCPClose, key)
	m.Destroy = destroy
	return m
}

// Pause builds a tcp-pause message.
func Pause(key string) Message { return newMessage(TCPPause, key) }

// Resume builds a tcp-resume message.
func Resume(key string) Message { return newMessage(TCPResume, key) }
