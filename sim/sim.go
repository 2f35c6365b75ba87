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

// Package sim runs a transfer between two associations over a virtual
// network, to watch the engine under loss, delay and path failure.
package sim

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/ossrs/srs-sctp/metrics"
	"github.com/ossrs/srs-sctp/sctp"
)

var messages, size, streams int

var unordered, multihome, verbose bool

var ttl, delay, jitter, timeout time.Duration

var loss, failAfter int
var viaProxy bool

var rtoMin, rtoMax, heartbeat time.Duration

var pcapFile, statListen string

func Parse(ctx context.Context) {
	fl := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	fl.IntVar(&messages, "n", 1000, "")
	fl.IntVar(&size, "size", 1200, "")
	fl.IntVar(&streams, "sn", 4, "")
	fl.BoolVar(&unordered, "unordered", false, "")
	fl.DurationVar(&ttl, "ttl", 0, "")

	fl.BoolVar(&multihome, "mh", true, "")
	fl.IntVar(&failAfter, "fail", 0, "")
	fl.IntVar(&loss, "loss", 0, "")
	fl.BoolVar(&viaProxy, "proxy", false, "")
	fl.DurationVar(&delay, "delay", 20*time.Millisecond, "")
	fl.DurationVar(&jitter, "jitter", 0, "")

	fl.DurationVar(&rtoMin, "rto-min", 200*time.Millisecond, "")
	fl.DurationVar(&rtoMax, "rto-max", 5*time.Second, "")
	fl.DurationVar(&heartbeat, "hb", time.Second, "")
	fl.DurationVar(&timeout, "timeout", 5*time.Minute, "")

	fl.StringVar(&pcapFile, "pcap", "", "")
	fl.StringVar(&statListen, "stat", envStatListen(), "")
	fl.BoolVar(&verbose, "v", false, "")

	fl.Usage = func() {
		fmt.Println(fmt.Sprintf("Usage: %v [Options]", os.Args[0]))
		fmt.Println(fmt.Sprintf("Options:"))
		fmt.Println(fmt.Sprintf("   -n          The number of messages to send. Default: 1000"))
		fmt.Println(fmt.Sprintf("   -size       The size of each message in bytes. Default: 1200"))
		fmt.Println(fmt.Sprintf("   -sn         The number of streams, messages go round robin. Default: 4"))
		fmt.Println(fmt.Sprintf("   -unordered  Whether send unordered messages. Default: false"))
		fmt.Println(fmt.Sprintf("   -ttl        [Optional] The lifetime of each message, like 500ms. Default: reliable"))
		fmt.Println(fmt.Sprintf("Network:"))
		fmt.Println(fmt.Sprintf("   -mh         Whether both hosts have two addresses. Default: true"))
		fmt.Println(fmt.Sprintf("   -fail       [Optional] Blackhole the primary address after this many messages."))
		fmt.Println(fmt.Sprintf("   -loss       [Optional] The percent of packets lost, 0 to 100. Default: 0"))
		fmt.Println(fmt.Sprintf("   -proxy      Whether the receiver is on a real UDP socket, behind a proxy. Default: false"))
		fmt.Println(fmt.Sprintf("   -delay      The one way delay. Default: 20ms"))
		fmt.Println(fmt.Sprintf("   -jitter     [Optional] The max jitter. Default: 0"))
		fmt.Println(fmt.Sprintf("Engine:"))
		fmt.Println(fmt.Sprintf("   -rto-min    The min RTO. Default: 200ms"))
		fmt.Println(fmt.Sprintf("   -rto-max    The max RTO. Default: 5s"))
		fmt.Println(fmt.Sprintf("   -hb         The heartbeat interval. Default: 1s"))
		fmt.Println(fmt.Sprintf("   -timeout    Quit when not done in time. Default: 5m"))
		fmt.Println(fmt.Sprintf("Output:"))
		fmt.Println(fmt.Sprintf("   -pcap       [Optional] The pcap file to write the packets of the sender."))
		fmt.Println(fmt.Sprintf("   -stat       [Optional] The stat server API listen port. Default: $SRS_SCTP_STAT_LISTEN"))
		fmt.Println(fmt.Sprintf("   -v          Whether log every packet. Default: false"))
		fmt.Println(fmt.Sprintf("\nFor example, failover of a lossy path:"))
		fmt.Println(fmt.Sprintf("   %v -n 5000 -loss 5 -fail 1000", os.Args[0]))
		fmt.Println(fmt.Sprintf("\nFor example, timed messages over a slow path, captured:"))
		fmt.Println(fmt.Sprintf("   %v -ttl 300ms -delay 200ms -jitter 100ms -pcap t.pcap", os.Args[0]))
		fmt.Println()
	}
	if err := fl.Parse(os.Args[1:]); err != nil {
		os.Exit(-1)
	}

	showHelp := messages <= 0 || size < 4 || streams <= 0 || loss < 0 || loss > 100 || (viaProxy && failAfter > 0)
	if showHelp {
		fl.Usage()
		os.Exit(-1)
	}

	// The proxy serves a single address of the receiver.
	if viaProxy {
		multihome = false
	}

	if statListen != "" && !strings.Contains(statListen, ":") {
		statListen = ":" + statListen
	}

	logger.Tf(ctx, "Run simulator with n=%v, size=%v, sn=%v, unordered=%v, ttl=%v, mh=%v, fail=%v, "+
		"loss=%v, proxy=%v, delay=%v, jitter=%v, rto=[%v,%v], hb=%v, pcap=%v, stat=%v, metrics=%v",
		messages, size, streams, unordered, ttl, multihome, failAfter, loss, viaProxy, delay, jitter,
		rtoMin, rtoMax, heartbeat, pcapFile, statListen, envMetricsType())
}

// newRedisSink connects to the redis in the env, nil when metrics stay in
// memory.
func newRedisSink(ctx context.Context) (*metrics.Redis, error) {
	if envMetricsType() != "redis" {
		return nil, nil
	}

	db, err := strconv.Atoi(envRedisDB())
	if err != nil {
		return nil, errors.Wrapf(err, "parse db %v", envRedisDB())
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(envRedisHost(), envRedisPort()),
		Password: envRedisPassword(),
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "ping redis %v", rdb.Options().Addr)
	}

	return metrics.NewRedis(rdb, envRedisKey()), nil
}

func Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	// Run tasks, the redis sink flushes for the last time once cancelled.
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	handleGoPprof(ctx)

	counters := metrics.NewMemory()
	var sink sctp.StatsSink = counters

	rsink, err := newRedisSink(ctx)
	if err != nil {
		return errors.Wrapf(err, "redis")
	}
	if rsink != nil {
		flushInterval, err := time.ParseDuration(envRedisFlush())
		if err != nil {
			return errors.Wrapf(err, "parse flush interval %v", envRedisFlush())
		}

		sink = metrics.Tee{counters, rsink}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rsink.Run(ctx, flushInterval); err != nil {
				logger.Wf(ctx, "redis metrics err %+v", err)
			}
		}()
	}

	transfer := &statTransfer{Status: "running"}

	// Run STAT API server.
	wg.Add(1)
	go func() {
		defer wg.Done()

		if statListen == "" {
			return
		}

		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", statListen)
		if err != nil {
			logger.Ef(ctx, "stat listen err+%v", err)
			cancel()
			return
		}

		mux := http.NewServeMux()
		handleStat(ctx, mux, statListen, counters, transfer)

		srv := &http.Server{
			Handler: mux,
			BaseContext: func(listener net.Listener) context.Context {
				return ctx
			},
		}

		go func() {
			<-ctx.Done()
			srv.Shutdown(context.Background())
		}()

		logger.Tf(ctx, "Stat listen at %v", statListen)
		if err := srv.Serve(ln); err != nil {
			if ctx.Err() == nil {
				logger.Ef(ctx, "stat serve err+%v", err)
				cancel()
			}
			return
		}
	}()

	opts := &Options{
		Messages: messages, Size: size, Streams: streams, Unordered: unordered, TTL: ttl,
		Multihome: multihome, FailAfter: failAfter, Loss: loss, Proxy: viaProxy, Delay: delay, Jitter: jitter,
		RTOInitial: rtoMax, RTOMin: rtoMin, RTOMax: rtoMax, HeartbeatInterval: heartbeat,
		Stats: sink, LoggerFactory: newOryxFactory(ctx, verbose),
	}
	if opts.RTOInitial > 3*time.Second {
		opts.RTOInitial = 3 * time.Second
	}

	if pcapFile != "" {
		f, err := os.Create(pcapFile)
		if err != nil {
			return errors.Wrapf(err, "create %v", pcapFile)
		}
		defer f.Close()
		opts.Capture = f
	}

	transferCtx, transferCancel := context.WithTimeout(ctx, timeout)
	defer transferCancel()

	r, err := Transfer(transferCtx, opts)
	if err != nil {
		transfer.update("failed", nil, err)
		return errors.Wrapf(err, "transfer")
	}
	transfer.update("done", r, nil)

	logger.Tf(ctx, "Transfer done, sent=%v, delivered=%v, failed=%v, misordered=%v, elapsed=%v",
		r.Sent, r.Delivered, r.Failed, r.Misordered, r.Elapsed)
	logger.Tf(ctx, "Sender data=%v, retrans=%v, fast=%v, t3=%v, abandoned=%v",
		r.Sender.DataSent, r.Sender.Retransmissions, r.Sender.FastRetransmits,
		r.Sender.T3Timeouts, r.Sender.Abandoned)
	for _, p := range r.Paths {
		logger.Tf(ctx, "Path %v %v primary=%v, cwnd=%v, srtt=%v, rto=%v",
			p.Addr, p.State, p.Primary, p.Cwnd, p.SRTT, p.RTO)
	}
	logger.Tf(ctx, "Counters %v", counters)

	if r.Misordered > 0 {
		return errors.Errorf("%v messages out of order", r.Misordered)
	}

	// Serve the result until the user quits.
	if statListen != "" {
		logger.Tf(ctx, "Press Ctrl+C to quit")
		<-ctx.Done()
	}
	return nil
}
