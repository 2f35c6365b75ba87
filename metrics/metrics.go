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

// Package metrics collects the counters reported by associations, in memory
// or in a Redis hash shared by many processes.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

// Sink receives counter deltas, an sctp.StatsSink.
type Sink interface {
	Add(name string, delta int64)
}

// Memory keeps the counters in a map.
type Memory struct {
	lock     sync.Mutex
	counters map[string]int64
}

func NewMemory() *Memory {
	return &Memory{counters: make(map[string]int64)}
}

func (v *Memory) Add(name string, delta int64) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.counters[name] += delta
}

func (v *Memory) Get(name string) int64 {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.counters[name]
}

// Snapshot is a copy of the counters.
func (v *Memory) Snapshot() map[string]int64 {
	v.lock.Lock()
	defer v.lock.Unlock()

	r := make(map[string]int64, len(v.counters))
	for k, n := range v.counters {
		r[k] = n
	}
	return r
}

// String lists the counters sorted by name.
func (v *Memory) String() string {
	counters := v.Snapshot()
	names := make([]string, 0, len(counters))
	for k := range counters {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, k := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%v=%v", k, counters[k]))
	}
	return sb.String()
}

// Tee fans the deltas out to every sink.
type Tee []Sink

func (v Tee) Add(name string, delta int64) {
	for _, s := range v {
		s.Add(name, delta)
	}
}

// Redis buffers the deltas and adds them to the fields of a hash on Flush,
// so Add never does I/O.
type Redis struct {
	rdb redis.Cmdable
	key string

	lock    sync.Mutex
	pending map[string]int64
}

func NewRedis(rdb redis.Cmdable, key string) *Redis {
	return &Redis{rdb: rdb, key: key, pending: make(map[string]int64)}
}

func (v *Redis) Add(name string, delta int64) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.pending[name] += delta
}

// Flush writes the buffered deltas with one HINCRBY pipeline. On failure they
// are put back for the next flush.
func (v *Redis) Flush(ctx context.Context) error {
	v.lock.Lock()
	pending := v.pending
	v.pending = make(map[string]int64)
	v.lock.Unlock()

	if len(pending) == 0 {
		return nil
	}

	_, err := v.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, delta := range pending {
			if delta != 0 {
				pipe.HIncrBy(ctx, v.key, name, delta)
			}
		}
		return nil
	})
	if err != nil {
		v.lock.Lock()
		for name, delta := range pending {
			v.pending[name] += delta
		}
		v.lock.Unlock()
		return errors.Wrapf(err, "hincrby %v fields of %v", len(pending), v.key)
	}
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (v *Redis) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The last flush must not be cancelled with ctx.
			return v.Flush(context.Background())
		case <-ticker.C:
			if err := v.Flush(ctx); err != nil {
				logger.Wf(ctx, "flush metrics to %v, err %+v", v.key, err)
			}
		}
	}
}

// Load reads all counters of the hash.
func (v *Redis) Load(ctx context.Context) (map[string]int64, error) {
	fields, err := v.rdb.HGetAll(ctx, v.key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "hgetall %v", v.key)
	}

	r := make(map[string]int64, len(fields))
	for k, s := range fields {
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return nil, errors.Wrapf(err, "parse %v=%v", k, s)
		}
		r[k] = n
	}
	return r, nil
}
