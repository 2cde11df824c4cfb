// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"testing"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/helper/testlog"
	"github.com/matterbridge/matterbridged/matter"
	"github.com/shoenig/test/must"
)

func testRegistry(t *testing.T) (*Registry, *frontend.Subscription) {
	t.Helper()
	broker := frontend.NewBroker(testlog.HCLogger(t))
	t.Cleanup(broker.Close)
	sub := broker.Subscribe(64)
	t.Cleanup(sub.Unsubscribe)

	r, err := New(&Config{Logger: testlog.HCLogger(t), Broker: broker})
	must.NoError(t, err)
	return r, sub
}

func entry(plugin, serial, name string) Entry {
	return Entry{
		Plugin:   plugin,
		Serial:   serial,
		UniqueID: matter.DeriveUniqueID(plugin, serial, name),
		Name:     name,
		Endpoint: matter.NewEndpoint(matter.EndpointConfig{
			ID:         EntryKey(plugin, serial),
			DeviceType: matter.DeviceTypeOnOffLight,
		}),
	}
}

func requireDevicesRefresh(t *testing.T, sub *frontend.Subscription) {
	t.Helper()
	ev := <-sub.C()
	must.Eq(t, frontend.TopicRefresh, ev.Topic)
	must.Eq(t, frontend.ScopeDevices, ev.Payload.(*frontend.Refresh).Changed)
}

func TestRegistry_SetGet(t *testing.T) {
	ci.Parallel(t)

	r, sub := testRegistry(t)

	must.NoError(t, r.Set(entry("shelly", "serial-1", "Bathroom Plug")))
	requireDevicesRefresh(t, sub)

	got, ok := r.Get("shelly", "serial-1")
	must.True(t, ok)
	must.Eq(t, "Bathroom Plug", got.Name)
	must.Eq(t, "shelly/serial-1", got.Key)

	_, ok = r.Get("shelly", "missing")
	must.False(t, ok)
}

func TestRegistry_DuplicateSerial(t *testing.T) {
	ci.Parallel(t)

	r, _ := testRegistry(t)

	must.NoError(t, r.Set(entry("shelly", "serial-1", "Bathroom Plug")))
	must.Error(t, r.Set(entry("shelly", "serial-1", "Imposter")))

	// The same serial under another plugin is a distinct identity.
	must.NoError(t, r.Set(entry("zigbee", "serial-1", "Hallway Light")))
	must.Eq(t, 2, r.Size())
}

func TestRegistry_ValidationAndRemove(t *testing.T) {
	ci.Parallel(t)

	r, _ := testRegistry(t)

	must.Error(t, r.Set(Entry{Plugin: "", Serial: "x"}))
	must.Error(t, r.Set(Entry{Plugin: "p", Serial: ""}))

	must.NoError(t, r.Set(entry("shelly", "serial-1", "Bathroom Plug")))

	removed, ok := r.Remove("shelly", "serial-1")
	must.True(t, ok)
	must.Eq(t, "serial-1", removed.Serial)

	_, ok = r.Remove("shelly", "serial-1")
	must.False(t, ok)
}

func TestRegistry_ArrayOrdering(t *testing.T) {
	ci.Parallel(t)

	r, _ := testRegistry(t)

	must.NoError(t, r.Set(entry("zigbee", "b", "B")))
	must.NoError(t, r.Set(entry("shelly", "a", "A")))
	must.NoError(t, r.Set(entry("shelly", "c", "C")))

	var keys []string
	for _, e := range r.Array() {
		keys = append(keys, e.Key)
	}
	must.Eq(t, []string{"shelly/a", "shelly/c", "zigbee/b"}, keys)
}

func TestRegistry_ByPlugin(t *testing.T) {
	ci.Parallel(t)

	r, _ := testRegistry(t)

	must.NoError(t, r.Set(entry("shelly", "a", "A")))
	must.NoError(t, r.Set(entry("shelly", "b", "B")))
	must.NoError(t, r.Set(entry("zigbee", "c", "C")))

	must.Eq(t, 2, r.CountByPlugin("shelly"))
	must.Eq(t, 1, r.CountByPlugin("zigbee"))
	must.Eq(t, 0, r.CountByPlugin("missing"))

	removed := r.RemovePlugin("shelly")
	must.Len(t, 2, removed)
	must.Eq(t, 1, r.Size())
	must.Eq(t, 0, r.CountByPlugin("shelly"))
}

func TestRegistry_Clear(t *testing.T) {
	ci.Parallel(t)

	r, _ := testRegistry(t)

	must.NoError(t, r.Set(entry("shelly", "a", "A")))
	must.NoError(t, r.Set(entry("zigbee", "b", "B")))

	r.Clear()
	must.Eq(t, 0, r.Size())
	must.Len(t, 0, r.Array())
}
