// The MIT License (MIT)
//
// Copyright (c) 2021 Winlin
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package sctp

import (
	"net"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
)

// PRPolicy is the partial-reliability policy of a message, RFC 3758.
type PRPolicy int

const (
	PRNone PRPolicy = iota
	// Abandon once the TTL elapses.
	PRTimed
	// Abandon under buffer pressure from a send of equal or higher priority,
	// lower numbers are more urgent.
	PRBuffer
)

// SendOptions are the per-message options of Send.
type SendOptions struct {
	Unordered bool
	PPID      uint32
	Policy    PRPolicy
	TTL       time.Duration
	Priority  uint32
	// Destination overrides the primary when set.
	Destination net.Addr
}

// Send queues a user message on a stream. A rejected message leaves the
// association untouched.
func (a *Association) Send(streamID uint16, data []byte, opts *SendOptions) error {
	if opts == nil {
		opts = &SendOptions{}
	}
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	if uint32(len(data)) > a.cfg.MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "%v > %v", len(data), a.cfg.MaxMessageSize)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	switch a.state {
	case StateClosed:
		return ErrAssociationClosed
	case StateShutdownPending, StateShutdownSent, StateShutdownReceived, StateShutdownAckSent:
		return errors.Wrapf(ErrShutdownRequested, "state %v", a.state)
	}

	if streamID >= a.numStreams {
		return errors.Wrapf(ErrInvalidStream, "sid=%v, streams=%v", streamID, a.numStreams)
	}

	var dest PathID
	if opts.Destination != nil {
		p := a.pathByAddr(opts.Destination)
		if p == nil {
			return errors.Wrapf(ErrPathNotFound, "destination %v", opts.Destination)
		}
		dest = p.id
	}

	now := a.clock.Now()
	need := uint32(len(data))
	if a.queuedBytes+need > a.cfg.SendBufferSize {
		if a.peerPR {
			urgency := int64(-1)
			if opts.Policy == PRBuffer {
				urgency = int64(opts.Priority)
			}
			a.pruneExpired(now, int(a.queuedBytes+need-a.cfg.SendBufferSize), urgency)
		}
		if a.queuedBytes+need > a.cfg.SendBufferSize {
			return errors.Wrapf(ErrSendBufferFull, "queued %v + %v > %v", a.queuedBytes, need, a.cfg.SendBufferSize)
		}
	}

	m := &outMessage{
		data:      append([]byte(nil), data...),
		ppid:      opts.PPID,
		unordered: opts.Unordered,
		policy:    opts.Policy,
		priority:  opts.Priority,
		dest:      dest,
	}
	if opts.Policy == PRTimed {
		m.deadline = now.Add(opts.TTL)
	}

	s, ok := a.streams[streamID]
	if !ok {
		s = &outStream{id: streamID}
		a.streams[streamID] = s
	}
	s.queue = append(s.queue, m)
	s.bytes += len(m.data)
	a.wheel.add(s)
	a.queuedBytes += need

	if m.policy == PRTimed && a.peerPR {
		a.armPRTimer(now)
	}

	a.awake()
	return nil
}
