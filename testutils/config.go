/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

type Config struct {
	LogLevel string
}

var globalTestConfig *Config

func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{
			LogLevel: "",
		}

		envLogLevel := os.Getenv("GRIDTEST_LOG_LEVEL")
		if envLogLevel != "" {
			testConfig.LogLevel = envLogLevel
		}

		globalTestConfig = testConfig
	}

	return globalTestConfig
}

// GetTestLogger returns a logger writing to the test log when
// GRIDTEST_LOG_LEVEL is set, and a no-op logger otherwise.
func GetTestLogger(t *testing.T) *zap.Logger {
	cfg := GetTestConfig(t)
	if cfg.LogLevel == "" {
		return zap.NewNop()
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		t.Logf("invalid GRIDTEST_LOG_LEVEL %q, using debug", cfg.LogLevel)
		level = zapcore.DebugLevel
	}

	return zaptest.NewLogger(t, zaptest.Level(level))
}
