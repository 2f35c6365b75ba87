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
package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	m := NewMemory()
	m.Add("sctp.packets.out", 2)
	m.Add("sctp.packets.out", 3)
	m.Add("sctp.data.in", 1)

	assert.Equal(t, int64(5), m.Get("sctp.packets.out"))
	assert.Equal(t, int64(0), m.Get("nothing"))
	assert.Equal(t, "sctp.data.in=1, sctp.packets.out=5", m.String())

	snapshot := m.Snapshot()
	m.Add("sctp.data.in", 1)
	assert.Equal(t, int64(1), snapshot["sctp.data.in"])
}

func TestTee(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	Tee{a, b}.Add("x", 7)
	assert.Equal(t, int64(7), a.Get("x"))
	assert.Equal(t, int64(7), b.Get("x"))
}

func TestRedisFlush(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	r := NewRedis(rdb, "srs-sctp:stats")

	// Nothing buffered, nothing written.
	require.NoError(t, r.Flush(ctx))
	assert.False(t, s.Exists("srs-sctp:stats"))

	r.Add("sctp.packets.out", 4)
	r.Add("sctp.packets.out", 1)
	r.Add("sctp.data.in", 2)
	require.NoError(t, r.Flush(ctx))
	assert.Equal(t, "5", s.HGet("srs-sctp:stats", "sctp.packets.out"))

	// A second process adds to the same hash.
	other := NewRedis(rdb, "srs-sctp:stats")
	other.Add("sctp.packets.out", 10)
	require.NoError(t, other.Flush(ctx))

	counters, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"sctp.packets.out": 15, "sctp.data.in": 2}, counters)
}

func TestRedisKeepsDeltasOnError(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer rdb.Close()

	ctx := context.Background()
	r := NewRedis(rdb, "srs-sctp:stats")
	r.Add("sctp.data.out", 3)

	s.SetError("server down")
	require.Error(t, r.Flush(ctx))

	s.SetError("")
	r.Add("sctp.data.out", 1)
	require.NoError(t, r.Flush(ctx))
	assert.Equal(t, "4", s.HGet("srs-sctp:stats", "sctp.data.out"))
}

func TestRedisRunFlushesOnCancel(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	r := NewRedis(rdb, "srs-sctp:stats")
	r.Add("sctp.heartbeat.out", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, time.Hour)
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run not done")
	}
	assert.Equal(t, "1", s.HGet("srs-sctp:stats", "sctp.heartbeat.out"))
}
