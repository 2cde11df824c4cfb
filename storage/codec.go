// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package storage

import (
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// msgpackHandle is shared by all encoders and decoders. Values are stored as
// msgpack so that contexts can hold arbitrary typed values without schema
// migrations. Nested maps decode as map[string]any so stored values survive
// a round trip through any.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{RawToString: true}
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

func encode(v any) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(data []byte, out any) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(out)
}
