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

import "github.com/ossrs/go-oryx-lib/errors"

// Errors returned to callers, test with errors.Cause.
var (
	ErrEmptyMessage       = errors.New("empty message")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrInvalidStream      = errors.New("invalid stream identifier")
	ErrShutdownRequested  = errors.New("shutdown requested")
	ErrAssociationClosed  = errors.New("association closed")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrPathNotFound       = errors.New("path not found")
	ErrPathExists         = errors.New("path exists")
	ErrLastPath           = errors.New("cannot remove the last path")
	ErrInvalidState       = errors.New("invalid state")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrVerificationTag    = errors.New("verification tag mismatch")
	ErrAssociationAborted = errors.New("association aborted")
	ErrAuditFailed        = errors.New("audit failed")
)
