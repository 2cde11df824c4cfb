// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package frontend

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// LogSink adapts the supervisor's hclog stream onto the broker so the UI
// receives live log lines. Register it on an InterceptLogger.
type LogSink struct {
	broker *Broker
	level  hclog.Level
}

var _ hclog.SinkAdapter = (*LogSink)(nil)

// NewLogSink builds a sink forwarding records at or above level.
func NewLogSink(broker *Broker, level hclog.Level) *LogSink {
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return &LogSink{broker: broker, level: level}
}

// Accept implements hclog.SinkAdapter.
func (s *LogSink) Accept(name string, level hclog.Level, msg string, args ...interface{}) {
	if level < s.level {
		return
	}

	line := msg
	if len(args) > 0 {
		pairs := make([]string, 0, len(args)/2)
		for i := 0; i+1 < len(args); i += 2 {
			pairs = append(pairs, fmt.Sprintf("%v=%v", args[i], args[i+1]))
		}
		line = msg + " " + strings.Join(pairs, " ")
	}

	s.broker.Log(level.String(), time.Now(), name, line)
}
