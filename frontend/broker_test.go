// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package frontend

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/helper/testlog"
	"github.com/shoenig/test/must"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	ci.Parallel(t)

	b := NewBroker(testlog.HCLogger(t))
	defer b.Close()

	sub := b.Subscribe(8)
	defer sub.Unsubscribe()

	b.Snackbar("plugin example-plugin is in error state", 10, SeverityError)
	b.RefreshRequired(ScopeReachability)

	ev := <-sub.C()
	must.Eq(t, TopicSnackbar, ev.Topic)
	snackbar := ev.Payload.(*Snackbar)
	must.Eq(t, SeverityError, snackbar.Severity)
	must.Eq(t, 10, snackbar.Timeout)

	ev = <-sub.C()
	must.Eq(t, TopicRefresh, ev.Topic)
	must.Eq(t, ScopeReachability, ev.Payload.(*Refresh).Changed)
}

func TestBroker_AttributeChanged(t *testing.T) {
	ci.Parallel(t)

	b := NewBroker(testlog.HCLogger(t))
	defer b.Close()

	sub := b.Subscribe(1)
	defer sub.Unsubscribe()

	b.AttributeChanged(AttributeChange{
		Plugin:    "example-plugin",
		Serial:    "serial-1",
		Cluster:   "onOff",
		Attribute: "onOff",
		Value:     true,
	})

	ev := <-sub.C()
	must.Eq(t, TopicAttribute, ev.Topic)
	change := ev.Payload.(*AttributeChange)
	must.Eq(t, "example-plugin", change.Plugin)
	must.Eq(t, true, change.Value)
}

func TestBroker_DropOnFull(t *testing.T) {
	ci.Parallel(t)

	b := NewBroker(testlog.HCLogger(t))
	defer b.Close()

	sub := b.Subscribe(1)
	defer sub.Unsubscribe()

	// The second publish overflows the single slot buffer and is dropped
	// rather than blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.RefreshRequired(ScopePlugins)
		b.RefreshRequired(ScopeSettings)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	ev := <-sub.C()
	must.Eq(t, ScopePlugins, ev.Payload.(*Refresh).Changed)

	select {
	case ev := <-sub.C():
		t.Fatalf("expected dropped event, got %v", ev)
	default:
	}
}

func TestBroker_CloseTerminatesSubscribers(t *testing.T) {
	ci.Parallel(t)

	b := NewBroker(testlog.HCLogger(t))
	sub := b.Subscribe(4)

	b.Close()

	_, ok := <-sub.C()
	must.False(t, ok)

	// Publish after close is a quiet no-op, unsubscribe stays safe.
	b.RefreshRequired(ScopeMatter)
	sub.Unsubscribe()
}

func TestLogSink(t *testing.T) {
	ci.Parallel(t)

	b := NewBroker(testlog.HCLogger(t))
	defer b.Close()

	sub := b.Subscribe(8)
	defer sub.Unsubscribe()

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   "matterbridge",
		Level:  hclog.Trace,
		Output: testlog.NewWriter(t),
	})
	logger.RegisterSink(NewLogSink(b, hclog.Info))

	logger.Debug("below the sink threshold")
	logger.Info("bridge started", "mode", "bridge")

	ev := <-sub.C()
	must.Eq(t, TopicLog, ev.Topic)
	entry := ev.Payload.(*LogEntry)
	must.Eq(t, "info", entry.Level)
	must.StrContains(t, entry.Message, "bridge started")
	must.StrContains(t, entry.Message, "mode=bridge")
}
