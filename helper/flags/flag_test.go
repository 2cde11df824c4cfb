// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package flags

import (
	"flag"
	"reflect"
	"testing"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/stretchr/testify/require"
)

func TestStringFlag_implements(t *testing.T) {
	ci.Parallel(t)

	var raw interface{}
	raw = new(StringFlag)
	if _, ok := raw.(flag.Value); !ok {
		t.Fatalf("StringFlag should be a Value")
	}
}

func TestStringFlagSet(t *testing.T) {
	ci.Parallel(t)

	sv := new(StringFlag)
	err := sv.Set("foo")
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	err = sv.Set("bar")
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	expected := []string{"foo", "bar"}
	if !reflect.DeepEqual([]string(*sv), expected) {
		t.Fatalf("Bad: %#v", sv)
	}
}

func TestStringFlagSet_Append(t *testing.T) {
	ci.Parallel(t)

	var filters StringFlag

	flagSet := flag.NewFlagSet("test", flag.PanicOnError)
	flagSet.Var(&filters, "filter", "filter, specify more than once")

	args := []string{"-filter", "foo", "-filter", "bar", "-filter", "baz"}
	err := flagSet.Parse(args)
	require.NoError(t, err)

	result := filters.String()
	require.Equal(t, "foo,bar,baz", result)
}
