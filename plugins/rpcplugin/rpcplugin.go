// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package rpcplugin runs platforms as external subprocesses. The
// supervisor launches the plugin binary and dispenses a Platform proxy
// over go-plugin's net/rpc protocol; Bridge calls flow back to the
// supervisor over the connection's multiplexer, so an external platform
// sees the same contract a builtin one does.
package rpcplugin

import (
	"context"
	"encoding/gob"
	"net/rpc"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/matterbridge/matterbridged/plugins"
)

// PlatformPluginName is the go-plugin dispense name.
const PlatformPluginName = "platform"

// Handshake is the shared secret between the supervisor and plugin
// binaries. It only guards against launching a binary that is not a
// Matterbridge plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MATTERBRIDGE_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "5ca1ab1e70ca1c0ffeedeadbeef10ca1",
}

// Attribute values cross the wire inside an any, so the concrete types
// plugins may use have to be known to gob. Basic types are registered
// by gob itself.
func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// PlatformPlugin implements go-plugin's Plugin interface for platforms.
// The Factory is only consulted on the plugin side of the connection.
type PlatformPlugin struct {
	Factory plugins.Factory
	Logger  hclog.Logger
}

func (p *PlatformPlugin) Server(b *plugin.MuxBroker) (any, error) {
	return &platformServer{factory: p.Factory, broker: b, logger: p.Logger}, nil
}

func (p *PlatformPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	// Launch swaps in the plugin lifetime context before first use
	return &platformClient{client: c, broker: b, doneCtx: context.Background()}, nil
}

// Serve is called from an external plugin's main function and blocks
// serving the factory to the supervisor.
func Serve(factory plugins.Factory) {
	logger := hclog.New(&hclog.LoggerOptions{
		Level:      hclog.Trace,
		JSONFormat: true,
	})
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PlatformPluginName: &PlatformPlugin{Factory: factory, Logger: logger},
		},
		Logger: logger,
	})
}

// callCtx issues a client call that honors context cancellation. The
// remote call keeps running if the context expires first; the caller
// just stops waiting for it.
func callCtx(ctx context.Context, client *rpc.Client, method string, args, reply any) error {
	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-call.Done:
		return done.Error
	}
}
