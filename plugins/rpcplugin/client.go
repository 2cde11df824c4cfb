// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package rpcplugin

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/LK4D4/joincontext"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/plugins"
)

// LoadArgs wraps the load step for the purposes of RPC. Config travels
// as JSON so plugin settings survive the wire regardless of how the
// supervisor stored them. BridgeID names the multiplexer stream the
// supervisor serves its Bridge on.
type LoadArgs struct {
	Name     string
	Config   []byte
	BridgeID uint32
}

// StartArgs wraps a start reason for the purposes of RPC.
type StartArgs struct {
	Reason string
}

// ShutdownArgs wraps a shutdown reason for the purposes of RPC.
type ShutdownArgs struct {
	Reason string
}

// ConfigureResponse carries the configure outcome. A declined
// configuration is OK=false with no RPC error.
type ConfigureResponse struct {
	OK bool
}

// SetAttributeArgs wraps a bridge attribute write for the purposes of
// RPC.
type SetAttributeArgs struct {
	Serial    string
	Cluster   matter.ClusterID
	Attribute matter.AttributeID
	Value     any
}

// SetReachabilityArgs wraps a bridge reachability flip for the purposes
// of RPC.
type SetReachabilityArgs struct {
	Serial    string
	Reachable bool
}

// RemoveEndpointArgs wraps a bridge endpoint removal for the purposes
// of RPC.
type RemoveEndpointArgs struct {
	Serial string
}

// platformClient is the supervisor-side Platform proxy. Calls stop
// waiting when either the caller's context or the plugin's lifetime
// context ends.
type platformClient struct {
	client  *rpc.Client
	broker  *plugin.MuxBroker
	doneCtx context.Context
}

func (p *platformClient) load(ctx context.Context, cfg *plugins.FactoryConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	configJSON, err := encodeConfig(cfg.Config)
	if err != nil {
		return fmt.Errorf("rpcplugin: encoding config for %q: %w", cfg.Name, err)
	}

	id := p.broker.NextId()
	go p.broker.AcceptAndServe(id, &bridgeServer{impl: cfg.Bridge})

	args := LoadArgs{Name: cfg.Name, Config: configJSON, BridgeID: id}

	// join the passed context and the plugin lifetime context
	ctx, _ = joincontext.Join(ctx, p.doneCtx)
	return callCtx(ctx, p.client, "Plugin.Load", args, new(any))
}

func (p *platformClient) Start(ctx context.Context, reason string) error {
	ctx, _ = joincontext.Join(ctx, p.doneCtx)
	return callCtx(ctx, p.client, "Plugin.Start", StartArgs{Reason: reason}, new(any))
}

func (p *platformClient) Configure(ctx context.Context) (bool, error) {
	ctx, _ = joincontext.Join(ctx, p.doneCtx)
	var resp ConfigureResponse
	if err := callCtx(ctx, p.client, "Plugin.Configure", new(any), &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

func (p *platformClient) Shutdown(ctx context.Context, reason string) error {
	ctx, _ = joincontext.Join(ctx, p.doneCtx)
	return callCtx(ctx, p.client, "Plugin.Shutdown", ShutdownArgs{Reason: reason}, new(any))
}

// bridgeServer serves the supervisor's Bridge to the plugin process.
// Context deadlines do not cross the wire; the supervisor-side bridge
// bounds its own waits.
type bridgeServer struct {
	impl plugins.Bridge
}

func (b *bridgeServer) AddBridgedEndpoint(def *plugins.DeviceDefinition, _ *any) error {
	return b.impl.AddBridgedEndpoint(context.Background(), def)
}

func (b *bridgeServer) RemoveBridgedEndpoint(args RemoveEndpointArgs, _ *any) error {
	return b.impl.RemoveBridgedEndpoint(context.Background(), args.Serial)
}

func (b *bridgeServer) RemoveAllBridgedEndpoints(_ any, _ *any) error {
	return b.impl.RemoveAllBridgedEndpoints(context.Background())
}

func (b *bridgeServer) SetAttribute(args SetAttributeArgs, _ *any) error {
	return b.impl.SetAttribute(args.Serial, args.Cluster, args.Attribute, args.Value)
}

func (b *bridgeServer) SetReachability(args SetReachabilityArgs, _ *any) error {
	return b.impl.SetReachability(args.Serial, args.Reachable)
}

// Instance is a launched external plugin.
type Instance struct {
	// Platform drives the plugin's lifecycle over RPC.
	Platform plugins.Platform

	client *plugin.Client
	done   context.CancelFunc
}

// Kill terminates the plugin process and releases every call still
// waiting on it. Safe to call more than once.
func (i *Instance) Kill() {
	i.done()
	i.client.Kill()
}

// Exited reports whether the plugin process has exited.
func (i *Instance) Exited() bool {
	return i.client.Exited()
}

// Launch starts the plugin binary at bin and loads its platform. The
// returned instance must be killed once the platform is shut down.
func Launch(ctx context.Context, bin string, cfg *plugins.FactoryConfig) (*Instance, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]plugin.Plugin{PlatformPluginName: &PlatformPlugin{}},
		Cmd:              exec.Command(bin),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           logger,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("rpcplugin: connecting to %s: %w", bin, err)
	}

	raw, err := rpcClient.Dispense(PlatformPluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("rpcplugin: dispensing platform from %s: %w", bin, err)
	}

	pc, ok := raw.(*platformClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("rpcplugin: unexpected platform type %T from %s", raw, bin)
	}

	doneCtx, done := context.WithCancel(context.Background())
	pc.doneCtx = doneCtx

	if err := pc.load(ctx, cfg); err != nil {
		done()
		client.Kill()
		return nil, fmt.Errorf("rpcplugin: loading %q: %w", cfg.Name, err)
	}

	return &Instance{Platform: pc, client: client, done: done}, nil
}
