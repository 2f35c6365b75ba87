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
	"os"
	"path"

	"github.com/joho/godotenv"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

// LoadEnv loads the .env file in the working directory, if any, then fills
// the defaults of the variables not set.
func LoadEnv(ctx context.Context) error {
	if err := loadEnvFile(ctx); err != nil {
		return errors.Wrapf(err, "load env")
	}
	setupDefaultEnv(ctx)
	return nil
}

func loadEnvFile(ctx context.Context) error {
	if workDir, err := os.Getwd(); err != nil {
		return errors.Wrapf(err, "getpwd")
	} else {
		envFile := path.Join(workDir, ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Overload(envFile); err != nil {
				return errors.Wrapf(err, "load %v", envFile)
			}
		}
	}

	return nil
}

func setupDefaultEnv(ctx context.Context) {
	// Force shutdown timeout.
	setEnvDefault("SRS_SCTP_FORCE_QUIT_TIMEOUT", "30s")
	// The stat API listen address, empty to disable.
	setEnvDefault("SRS_SCTP_STAT_LISTEN", "")
	// The Go pprof listen address, empty to disable.
	setEnvDefault("SRS_SCTP_GO_PPROF", "")

	// The metrics sink, memory or redis.
	setEnvDefault("SRS_SCTP_METRICS_TYPE", "memory")
	// The redis server host.
	setEnvDefault("SRS_SCTP_REDIS_HOST", "127.0.0.1")
	// The redis server port.
	setEnvDefault("SRS_SCTP_REDIS_PORT", "6379")
	// The redis server password.
	setEnvDefault("SRS_SCTP_REDIS_PASSWORD", "")
	// The redis server db.
	setEnvDefault("SRS_SCTP_REDIS_DB", "0")
	// The hash of the counters.
	setEnvDefault("SRS_SCTP_REDIS_KEY", "srs-sctp:stats")
	// How often the counters are flushed to redis.
	setEnvDefault("SRS_SCTP_REDIS_FLUSH", "1s")

	logger.Tf(ctx, "load .env as SRS_SCTP_FORCE_QUIT_TIMEOUT=%v, SRS_SCTP_STAT_LISTEN=%v, SRS_SCTP_GO_PPROF=%v, "+
		"SRS_SCTP_METRICS_TYPE=%v, SRS_SCTP_REDIS_HOST=%v, SRS_SCTP_REDIS_PORT=%v, "+
		"SRS_SCTP_REDIS_PASSWORD=%v, SRS_SCTP_REDIS_DB=%v, SRS_SCTP_REDIS_KEY=%v, "+
		"SRS_SCTP_REDIS_FLUSH=%v",
		envForceQuitTimeout(), envStatListen(), envGoPprof(),
		envMetricsType(), envRedisHost(), envRedisPort(),
		envRedisPassword(), envRedisDB(), envRedisKey(),
		envRedisFlush(),
	)
}

func envRedisFlush() string {
	return os.Getenv("SRS_SCTP_REDIS_FLUSH")
}

func envRedisKey() string {
	return os.Getenv("SRS_SCTP_REDIS_KEY")
}

func envRedisDB() string {
	return os.Getenv("SRS_SCTP_REDIS_DB")
}

func envRedisPassword() string {
	return os.Getenv("SRS_SCTP_REDIS_PASSWORD")
}

func envRedisPort() string {
	return os.Getenv("SRS_SCTP_REDIS_PORT")
}

func envRedisHost() string {
	return os.Getenv("SRS_SCTP_REDIS_HOST")
}

func envMetricsType() string {
	return os.Getenv("SRS_SCTP_METRICS_TYPE")
}

func envGoPprof() string {
	return os.Getenv("SRS_SCTP_GO_PPROF")
}

func envStatListen() string {
	return os.Getenv("SRS_SCTP_STAT_LISTEN")
}

// EnvForceQuitTimeout is how long the process may take to quit after a signal.
func EnvForceQuitTimeout() string {
	return envForceQuitTimeout()
}

func envForceQuitTimeout() string {
	return os.Getenv("SRS_SCTP_FORCE_QUIT_TIMEOUT")
}

// setEnvDefault set env key=value if not set.
func setEnvDefault(key, value string) {
	if os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
