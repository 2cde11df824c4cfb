// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package examplelight is a builtin accessory platform exposing a
// single dimmable light that animates itself. It exists so a fresh
// install has something to commission and serves as the reference for
// writing accessory platforms.
package examplelight

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/plugins"
)

const (
	// Name is the plugin name users enable.
	Name = "matterbridge-example-accessory-platform"

	serial          = "example-light-0001"
	defaultInterval = 60 * time.Second
)

// Manifest describes the builtin plugin.
var Manifest = &plugins.Manifest{
	Name:        Name,
	Version:     "1.0.0",
	Description: "Example accessory platform with one animated dimmable light",
	Author:      "The Matterbridge Authors",
	Type:        plugins.TypeAccessory,
}

type platform struct {
	bridge plugins.Bridge
	logger hclog.Logger
	config map[string]any

	mu       sync.Mutex
	interval time.Duration
	stopCh   chan struct{}
	on       bool
	level    int
}

// New builds the platform. Used as the catalog factory.
func New(cfg *plugins.FactoryConfig) (plugins.Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &platform{
		bridge:   cfg.Bridge,
		logger:   cfg.Logger,
		config:   cfg.Config,
		interval: defaultInterval,
		level:    128,
	}, nil
}

func (p *platform) Start(ctx context.Context, reason string) error {
	p.logger.Info("starting example light", "reason", reason)

	def := &plugins.DeviceDefinition{
		Serial:      serial,
		Name:        "Example Light",
		DeviceType:  matter.DeviceTypeDimmableLight,
		VendorName:  "Matterbridge",
		ProductName: "Example Light",
	}
	if err := p.bridge.AddBridgedEndpoint(ctx, def); err != nil {
		return err
	}

	p.mu.Lock()
	if p.stopCh == nil {
		p.stopCh = make(chan struct{})
		go p.animate(p.stopCh)
	}
	p.mu.Unlock()
	return nil
}

func (p *platform) Configure(context.Context) (bool, error) {
	interval, ok := intervalFromConfig(p.config)
	if !ok {
		p.logger.Warn("declining configuration, interval must be a positive number of seconds")
		return false, nil
	}

	p.mu.Lock()
	p.interval = interval
	p.mu.Unlock()
	p.logger.Debug("configured example light", "interval", interval)
	return true, nil
}

func (p *platform) Shutdown(ctx context.Context, reason string) error {
	p.logger.Info("stopping example light", "reason", reason)

	p.mu.Lock()
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
	p.mu.Unlock()

	return p.bridge.RemoveAllBridgedEndpoints(ctx)
}

// animate toggles the light and walks its brightness until stopped.
// Updates are best effort; the device keeps its last state when the
// bridge rejects one.
func (p *platform) animate(stopCh chan struct{}) {
	for {
		p.mu.Lock()
		interval := p.interval
		p.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-time.After(interval):
		}

		p.mu.Lock()
		p.on = !p.on
		p.level = p.level%254 + 25
		on, level := p.on, p.level
		p.mu.Unlock()

		if err := p.bridge.SetAttribute(serial, matter.ClusterOnOff, matter.AttributeOnOff, on); err != nil {
			p.logger.Debug("dropping light update", "error", err)
			continue
		}
		if err := p.bridge.SetAttribute(serial, matter.ClusterLevelControl, matter.AttributeCurrentLevel, level); err != nil {
			p.logger.Debug("dropping level update", "error", err)
		}
	}
}

// intervalFromConfig reads the animation interval in seconds. Storage
// and RPC transports hand numbers back with different concrete types.
func intervalFromConfig(config map[string]any) (time.Duration, bool) {
	raw, ok := config["interval"]
	if !ok {
		return defaultInterval, true
	}

	var secs float64
	switch v := raw.(type) {
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	case uint64:
		secs = float64(v)
	case float64:
		secs = v
	default:
		return 0, false
	}
	if secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
