// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"testing"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/storage"
	"github.com/shoenig/test/must"
)

func seedContext(t *testing.T, sc *StorageContext) {
	t.Helper()
	must.NoError(t, storage.Set(sc.Persist(), "deviceName", "Matterbridge"))
	must.NoError(t, storage.Set(sc.Events(), "eventNumber", uint64(9)))
	must.NoError(t, storage.Set(sc.Fabrics(), "fabric/1", Fabric{Index: 1, ID: 42}))
	must.NoError(t, storage.Set(sc.Root(), "nextNumber", uint16(7)))
	must.NoError(t, storage.Set(sc.Sessions(), "secure/1", Session{Name: "secure/1"}))
}

func contextKeys(t *testing.T, c *storage.Context) []string {
	t.Helper()
	keys, err := c.Keys()
	must.NoError(t, err)
	return keys
}

func TestStorageContext_ClearCommissioning(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	sc := svc.Open("Matterbridge")
	seedContext(t, sc)

	must.NoError(t, sc.ClearCommissioning())

	must.Len(t, 0, contextKeys(t, sc.Persist()))
	must.Len(t, 0, contextKeys(t, sc.Events()))
	must.Len(t, 0, contextKeys(t, sc.Fabrics()))
	must.Len(t, 0, contextKeys(t, sc.Root()))
	must.Len(t, 0, contextKeys(t, sc.Sessions()))
}

func TestStorageContext_ClearParts(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	sc := svc.Open("Matterbridge")
	seedContext(t, sc)

	must.NoError(t, sc.ClearParts())

	// Parts and sessions are wiped, identity and fabrics survive.
	must.Len(t, 0, contextKeys(t, sc.Root()))
	must.Len(t, 0, contextKeys(t, sc.Sessions()))
	must.Eq(t, []string{"deviceName"}, contextKeys(t, sc.Persist()))
	must.Eq(t, []string{"fabric/1"}, contextKeys(t, sc.Fabrics()))
	must.Eq(t, []string{"eventNumber"}, contextKeys(t, sc.Events()))
}

func TestStorageService_Contexts(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	seedContext(t, svc.Open("Matterbridge"))
	seedContext(t, svc.Open("example-plugin"))

	names, err := svc.Contexts()
	must.NoError(t, err)
	must.Eq(t, []string{"Matterbridge", "example-plugin"}, names)

	must.NoError(t, svc.Delete("example-plugin"))
	names, err = svc.Contexts()
	must.NoError(t, err)
	must.Eq(t, []string{"Matterbridge"}, names)
}
