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
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/ossrs/srs-sctp/sim"
)

func main() {
	ctx := logger.WithContext(context.Background())
	logger.Tf(ctx, "%v/%v started", Signature(), Version())

	if err := sim.LoadEnv(ctx); err != nil {
		logger.Ef(ctx, "main: %+v", err)
		os.Exit(-1)
	}

	sim.Parse(ctx)

	ctx, cancel := context.WithCancel(ctx)
	installSignals(ctx, cancel)
	if err := installForceQuit(ctx); err != nil {
		logger.Ef(ctx, "main: %+v", err)
		os.Exit(-1)
	}

	// Ignore the error of user cancel.
	if err := sim.Run(ctx); err != nil && ctx.Err() != context.Canceled {
		logger.Ef(ctx, "main: %+v", err)
		os.Exit(-1)
	}

	logger.Tf(ctx, "%v done", Signature())
}

func installSignals(ctx context.Context, cancel context.CancelFunc) {
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	go func() {
		for s := range sc {
			logger.Tf(ctx, "Got signal %v", s)
			cancel()
		}
	}()
}

// installForceQuit exits when the main loop is stuck after cancel.
func installForceQuit(ctx context.Context) error {
	var forceTimeout time.Duration
	if t, err := time.ParseDuration(sim.EnvForceQuitTimeout()); err != nil {
		return errors.Wrapf(err, "parse force timeout %v", sim.EnvForceQuitTimeout())
	} else {
		forceTimeout = t
	}

	go func() {
		<-ctx.Done()
		time.Sleep(forceTimeout)
		logger.Wf(ctx, "Force to exit by timeout")
		os.Exit(1)
	}()
	return nil
}
