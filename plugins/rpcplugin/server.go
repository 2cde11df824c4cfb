// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package rpcplugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/plugins"
)

var errNotLoaded = errors.New("rpcplugin: platform is not loaded")

// platformServer runs inside the plugin process and drives the real
// platform built by the factory.
type platformServer struct {
	factory plugins.Factory
	broker  *plugin.MuxBroker
	logger  hclog.Logger

	mu       sync.Mutex
	platform plugins.Platform
}

func (s *platformServer) Load(args LoadArgs, _ *any) error {
	conn, err := s.broker.Dial(args.BridgeID)
	if err != nil {
		return fmt.Errorf("rpcplugin: dialing bridge stream: %w", err)
	}

	config, err := decodeConfig(args.Config)
	if err != nil {
		return fmt.Errorf("rpcplugin: decoding config: %w", err)
	}

	logger := s.logger
	if logger == nil {
		logger = hclog.Default()
	}

	platform, err := s.factory(&plugins.FactoryConfig{
		Name:   args.Name,
		Bridge: &bridgeClient{client: rpc.NewClient(conn)},
		Config: config,
		Logger: logger.Named(args.Name),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.platform = platform
	s.mu.Unlock()
	return nil
}

func (s *platformServer) loaded() (plugins.Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.platform == nil {
		return nil, errNotLoaded
	}
	return s.platform, nil
}

func (s *platformServer) Start(args StartArgs, _ *any) error {
	platform, err := s.loaded()
	if err != nil {
		return err
	}
	return platform.Start(context.Background(), args.Reason)
}

func (s *platformServer) Configure(_ any, resp *ConfigureResponse) error {
	platform, err := s.loaded()
	if err != nil {
		return err
	}
	ok, err := platform.Configure(context.Background())
	resp.OK = ok
	return err
}

func (s *platformServer) Shutdown(args ShutdownArgs, _ *any) error {
	platform, err := s.loaded()
	if err != nil {
		return err
	}
	return platform.Shutdown(context.Background(), args.Reason)
}

// bridgeClient is the plugin-side Bridge proxy.
type bridgeClient struct {
	client *rpc.Client
}

func (b *bridgeClient) AddBridgedEndpoint(ctx context.Context, def *plugins.DeviceDefinition) error {
	return callCtx(ctx, b.client, "Plugin.AddBridgedEndpoint", def, new(any))
}

func (b *bridgeClient) RemoveBridgedEndpoint(ctx context.Context, serial string) error {
	return callCtx(ctx, b.client, "Plugin.RemoveBridgedEndpoint", RemoveEndpointArgs{Serial: serial}, new(any))
}

func (b *bridgeClient) RemoveAllBridgedEndpoints(ctx context.Context) error {
	return callCtx(ctx, b.client, "Plugin.RemoveAllBridgedEndpoints", new(any), new(any))
}

func (b *bridgeClient) SetAttribute(serial string, cluster matter.ClusterID, attribute matter.AttributeID, value any) error {
	args := SetAttributeArgs{Serial: serial, Cluster: cluster, Attribute: attribute, Value: value}
	return b.client.Call("Plugin.SetAttribute", args, new(any))
}

func (b *bridgeClient) SetReachability(serial string, reachable bool) error {
	args := SetReachabilityArgs{Serial: serial, Reachable: reachable}
	return b.client.Call("Plugin.SetReachability", args, new(any))
}

func encodeConfig(config map[string]any) ([]byte, error) {
	if config == nil {
		return nil, nil
	}
	return json.Marshal(config)
}

func decodeConfig(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return config, nil
}
