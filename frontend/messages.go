// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package frontend carries the supervisor's outbound contract to the UI.
// The core only produces messages; the transport (HTTP, WebSocket, a test
// recorder) is whoever subscribes to the broker.
package frontend

import (
	"time"

	"github.com/matterbridge/matterbridged/matter"
)

// Topic groups outbound events by kind.
type Topic string

const (
	TopicSnackbar  Topic = "snackbar"
	TopicRefresh   Topic = "refresh_required"
	TopicAttribute Topic = "attribute_changed"
	TopicLog       Topic = "log"
)

// Severity grades snackbar messages.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Scope names the UI region a refresh event invalidates.
type Scope string

const (
	ScopePlugins      Scope = "plugins"
	ScopeDevices      Scope = "devices"
	ScopeSettings     Scope = "settings"
	ScopeMatter       Scope = "matter"
	ScopeFabrics      Scope = "fabrics"
	ScopeSessions     Scope = "sessions"
	ScopeReachability Scope = "reachability"
)

// Event is one outbound notification.
type Event struct {
	Topic   Topic `json:"topic"`
	Payload any   `json:"payload"`
}

// Snackbar is a transient operator notification.
type Snackbar struct {
	Message  string   `json:"message"`
	Timeout  int      `json:"timeout"`
	Severity Severity `json:"severity"`
}

// Refresh asks the UI to reload one scope.
type Refresh struct {
	Changed Scope `json:"changed"`
}

// AttributeChange reports one observed attribute change on a bridged
// endpoint.
type AttributeChange struct {
	Plugin         string                `json:"plugin"`
	Serial         string                `json:"serialNumber"`
	UniqueID       string                `json:"uniqueId"`
	EndpointNumber matter.EndpointNumber `json:"number"`
	EndpointID     string                `json:"id"`
	Cluster        string                `json:"cluster"`
	Attribute      string                `json:"attribute"`
	Value          any                   `json:"value"`
}

// LogEntry forwards one supervisor log line.
type LogEntry struct {
	Level   string    `json:"level"`
	Time    time.Time `json:"time"`
	Name    string    `json:"name"`
	Message string    `json:"message"`
}
