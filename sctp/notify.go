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
	"fmt"
	"net"
)

// NotificationType is the kind of an upper-layer event.
type NotificationType int

const (
	NotifyAssocUp NotificationType = iota + 1
	NotifyPathUp
	NotifyPathDown
	NotifyAssocAborted
	NotifySendFailed
	NotifyShutdownComplete
)

func (v NotificationType) String() string {
	switch v {
	case NotifyAssocUp:
		return "AssocUp"
	case NotifyPathUp:
		return "PathUp"
	case NotifyPathDown:
		return "PathDown"
	case NotifyAssocAborted:
		return "AssocAborted"
	case NotifySendFailed:
		return "SendFailed"
	case NotifyShutdownComplete:
		return "ShutdownComplete"
	default:
		return fmt.Sprintf("Notification(%d)", int(v))
	}
}

// Notification is raised asynchronously, possibly from timer context.
type Notification struct {
	Type NotificationType
	// The destination, for path events.
	Addr net.Addr
	// For SendFailed, the stream, user bytes and whether they were ever sent.
	StreamID uint16
	Length   int
	Sent     bool
	// For AssocAborted, the reason.
	Err error
}

func (v *Notification) String() string {
	switch v.Type {
	case NotifyPathUp, NotifyPathDown:
		return fmt.Sprintf("%v %v", v.Type, v.Addr)
	case NotifySendFailed:
		return fmt.Sprintf("%v sid=%v, %vB, sent=%v", v.Type, v.StreamID, v.Length, v.Sent)
	case NotifyAssocAborted:
		return fmt.Sprintf("%v %v", v.Type, v.Err)
	default:
		return v.Type.String()
	}
}

// Notifier receives upper-layer notifications, outside the association lock.
type Notifier interface {
	Notify(n *Notification)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(n *Notification)

func (f NotifierFunc) Notify(n *Notification) {
	f(n)
}

type nopNotifier struct{}

func (nopNotifier) Notify(*Notification) {
}

// Message is a reassembled inbound user message.
type Message struct {
	StreamID  uint16
	SSN       uint16
	PPID      uint32
	Unordered bool
	Data      []byte
}

func (a *Association) notify(n *Notification) {
	a.notifications = append(a.notifications, n)
}
