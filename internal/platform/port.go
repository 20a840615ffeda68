package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const portBuffer = 16

var ErrPortClosed = errors.New("platform: port is disconnected")

// Sender identifies the context that opened a port.
type Sender struct {
	WindowID int
}

// Port is one end of a named persistent channel.
type Port struct {
	Name   string
	Sender Sender

	in   chan json.RawMessage
	peer *Port
	link *portLink
}

type portLink struct {
	once sync.Once
	done chan struct{}
}

func newPortPair(name string, sender Sender) (*Port, *Port) {
	link := &portLink{done: make(chan struct{})}
	a := &Port{Name: name, Sender: sender, in: make(chan json.RawMessage, portBuffer), link: link}
	b := &Port{Name: name, Sender: sender, in: make(chan json.RawMessage, portBuffer), link: link}
	a.peer, b.peer = b, a
	return a, b
}

// Post sends a message to the other end. It blocks while the peer's buffer
// is full and fails once either end disconnects.
func (p *Port) Post(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("platform: marshal port message: %w", err)
	}
	select {
	case <-p.link.done:
		return ErrPortClosed
	default:
	}
	select {
	case p.peer.in <- raw:
		return nil
	case <-p.link.done:
		return ErrPortClosed
	}
}

// Messages delivers messages posted by the other end.
func (p *Port) Messages() <-chan json.RawMessage {
	return p.in
}

// Done is closed when either end disconnects.
func (p *Port) Done() <-chan struct{} {
	return p.link.done
}

// Disconnect closes the channel for both ends. Safe to call more than once.
func (p *Port) Disconnect() {
	p.link.once.Do(func() { close(p.link.done) })
}
