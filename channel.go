// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appvisor

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// channelQueue is how many outbound messages may be pending before Send
// blocks.
const channelQueue = 64

// Channel is one end of the full-duplex link between a supervisor and a
// worker.  Messages are newline delimited JSON.  Sends are queued and
// written in order by a single goroutine, so a Send waits only once
// channelQueue messages are pending.  Recv must only be called from one
// goroutine.
//
// Delivery is reliable while both processes are alive.  Anything still
// queued when the link is severed is lost.
type Channel struct {
	conn   io.ReadWriteCloser
	dec    *json.Decoder
	outbox chan Message
	done   chan struct{}
	once   sync.Once
}

// NewChannel wraps conn, which is usually one end of a unix socketpair.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	c := &Channel{
		conn:   conn,
		dec:    json.NewDecoder(bufio.NewReader(conn)),
		outbox: make(chan Message, channelQueue),
		done:   make(chan struct{}),
	}
	go c.writer()
	return c
}

func (c *Channel) writer() {
	enc := json.NewEncoder(c.conn)
	for {
		select {
		case m := <-c.outbox:
			if e := enc.Encode(m); e != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send queues a message for delivery.  It fails only once the channel
// has been closed.
func (c *Channel) Send(m Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.outbox <- m:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// TrySend is Send for callers that must not wait: it fails with
// ErrChannelFull, dropping m, when channelQueue messages are already
// pending because the peer has stopped reading.
func (c *Channel) TrySend(m Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.outbox <- m:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrChannelFull
	}
}

// SendEvent is a convenience wrapper around Send.
func (c *Channel) SendEvent(ev Event) error {
	return c.Send(ev.Message())
}

// Recv blocks for the next message from the peer.  It returns io.EOF
// when the peer goes away.
func (c *Channel) Recv() (Message, error) {
	var m Message
	if e := c.dec.Decode(&m); e != nil {
		if e == io.ErrUnexpectedEOF {
			e = io.EOF
		}
		return Message{}, e
	}
	return m, nil
}

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close severs the link.  Pending messages are discarded.
func (c *Channel) Close() error {
	var e error
	c.once.Do(func() {
		close(c.done)
		e = c.conn.Close()
	})
	return e
}
