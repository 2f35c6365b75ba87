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
package sim

import (
	"context"
	"fmt"

	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pion/logging"
)

// oryxFactory sends the logs of associations and the router to the oryx
// logger, so a simulation has one log with one context id.
type oryxFactory struct {
	ctx   context.Context
	level logging.LogLevel
}

func newOryxFactory(ctx context.Context, verbose bool) logging.LoggerFactory {
	level := logging.LogLevelInfo
	if verbose {
		level = logging.LogLevelTrace
	}
	return &oryxFactory{ctx: ctx, level: level}
}

func (v *oryxFactory) NewLogger(scope string) logging.LeveledLogger {
	return &oryxLogger{ctx: v.ctx, scope: scope, level: v.level}
}

type oryxLogger struct {
	ctx   context.Context
	scope string
	level logging.LogLevel
}

func (v *oryxLogger) logf(level logging.LogLevel, format string, args ...interface{}) {
	if level > v.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	switch level {
	case logging.LogLevelError:
		logger.Ef(v.ctx, "%v: %v", v.scope, msg)
	case logging.LogLevelWarn:
		logger.Wf(v.ctx, "%v: %v", v.scope, msg)
	default:
		logger.Tf(v.ctx, "%v: %v", v.scope, msg)
	}
}

func (v *oryxLogger) Trace(msg string) {
	v.logf(logging.LogLevelTrace, "%v", msg)
}

func (v *oryxLogger) Tracef(format string, args ...interface{}) {
	v.logf(logging.LogLevelTrace, format, args...)
}

func (v *oryxLogger) Debug(msg string) {
	v.logf(logging.LogLevelDebug, "%v", msg)
}

func (v *oryxLogger) Debugf(format string, args ...interface{}) {
	v.logf(logging.LogLevelDebug, format, args...)
}

func (v *oryxLogger) Info(msg string) {
	v.logf(logging.LogLevelInfo, "%v", msg)
}

func (v *oryxLogger) Infof(format string, args ...interface{}) {
	v.logf(logging.LogLevelInfo, format, args...)
}

func (v *oryxLogger) Warn(msg string) {
	v.logf(logging.LogLevelWarn, "%v", msg)
}

func (v *oryxLogger) Warnf(format string, args ...interface{}) {
	v.logf(logging.LogLevelWarn, format, args...)
}

func (v *oryxLogger) Error(msg string) {
	v.logf(logging.LogLevelError, "%v", msg)
}

func (v *oryxLogger) Errorf(format string, args ...interface{}) {
	v.logf(logging.LogLevelError, format, args...)
}
