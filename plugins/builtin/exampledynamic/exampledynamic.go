// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package exampledynamic is a builtin dynamic platform exposing a small
// set of devices, including a composed weather sensor. It serves as the
// reference for writing dynamic platforms.
package exampledynamic

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
	Name = "matterbridge-example-dynamic-platform"

	switchSerial  = "example-switch-0001"
	weatherSerial = "example-weather-0001"

	measureInterval = 30 * time.Second
)

// Manifest describes the builtin plugin.
var Manifest = &plugins.Manifest{
	Name:        Name,
	Version:     "1.0.0",
	Description: "Example dynamic platform with a switch and a composed weather sensor",
	Author:      "The Matterbridge Authors",
	Type:        plugins.TypeDynamic,
}

type platform struct {
	bridge plugins.Bridge
	logger hclog.Logger

	mu          sync.Mutex
	stopCh      chan struct{}
	temperature int
	humidity    int
}

// New builds the platform. Used as the catalog factory.
func New(cfg *plugins.FactoryConfig) (plugins.Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &platform{
		bridge:      cfg.Bridge,
		logger:      cfg.Logger,
		temperature: 2150,
		humidity:    4500,
	}, nil
}

func (p *platform) Start(ctx context.Context, reason string) error {
	p.logger.Info("starting example devices", "reason", reason)

	devices := []*plugins.DeviceDefinition{
		{
			Serial:      switchSerial,
			Name:        "Example Switch",
			DeviceType:  matter.DeviceTypeOnOffSwitch,
			VendorName:  "Matterbridge",
			ProductName: "Example Switch",
		},
		{
			Serial:      weatherSerial,
			Name:        "Example Weather",
			DeviceType:  matter.DeviceTypeTemperatureSensor,
			VendorName:  "Matterbridge",
			ProductName: "Example Weather",
			Children: []*plugins.DeviceDefinition{
				{
					Serial:     weatherSerial + "-humidity",
					Name:       "Example Weather Humidity",
					DeviceType: matter.DeviceTypeHumiditySensor,
				},
			},
		},
	}
	for _, def := range devices {
		if err := p.bridge.AddBridgedEndpoint(ctx, def); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.stopCh == nil {
		p.stopCh = make(chan struct{})
		go p.measure(p.stopCh)
	}
	p.mu.Unlock()
	return nil
}

func (p *platform) Configure(context.Context) (bool, error) {
	return true, nil
}

func (p *platform) Shutdown(ctx context.Context, reason string) error {
	p.logger.Info("stopping example devices", "reason", reason)

	p.mu.Lock()
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
	p.mu.Unlock()

	return p.bridge.RemoveAllBridgedEndpoints(ctx)
}

// measure drifts the weather readings until stopped. Values are in
// hundredths, matching the measurement cluster units.
func (p *platform) measure(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-time.After(measureInterval):
		}

		p.mu.Lock()
		p.temperature += 25
		if p.temperature > 2600 {
			p.temperature = 1900
		}
		p.humidity += 150
		if p.humidity > 6000 {
			p.humidity = 3500
		}
		temperature, humidity := p.temperature, p.humidity
		p.mu.Unlock()

		if err := p.bridge.SetAttribute(weatherSerial, matter.ClusterTemperatureMeasurement, matter.AttributeMeasuredValue, temperature); err != nil {
			p.logger.Debug("dropping temperature update", "error", err)
			continue
		}
		if err := p.bridge.SetAttribute(weatherSerial+"-humidity", matter.ClusterRelativeHumidityMeasurement, matter.AttributeMeasuredValue, humidity); err != nil {
			p.logger.Debug("dropping humidity update", "error", err)
		}
	}
}
