// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"fmt"
	"sync"
)

// AttributeListener observes changes of one attribute on one endpoint.
type AttributeListener func(value any)

// EndpointConfig describes a new endpoint.
type EndpointConfig struct {
	// ID is the endpoint's stable identity inside its node, used as the
	// storage key for its endpoint number.
	ID string

	// DeviceType selects the default attribute server set.
	DeviceType DeviceTypeID

	// Clusters optionally extends or overrides the device type defaults.
	// Keys present here are merged over DefaultClusters(DeviceType).
	Clusters map[ClusterID][]AttributeID
}

// Endpoint is a node-attached device surface holding attribute servers and
// child endpoints. Aggregators and bridged devices are both Endpoints, the
// difference is only their device type and position in the tree.
type Endpoint struct {
	id         string
	deviceType DeviceTypeID

	mu        sync.Mutex
	number    EndpointNumber
	attrs     map[clusterAttribute]any
	listeners map[clusterAttribute][]AttributeListener
	children  []*Endpoint
	parent    *Endpoint
	node      *ServerNode
	deleted   bool
}

// NewEndpoint builds a detached endpoint from cfg.
func NewEndpoint(cfg EndpointConfig) *Endpoint {
	e := &Endpoint{
		id:         cfg.ID,
		deviceType: cfg.DeviceType,
		attrs:      make(map[clusterAttribute]any),
		listeners:  make(map[clusterAttribute][]AttributeListener),
	}

	clusters := DefaultClusters(cfg.DeviceType)
	for cluster, attrs := range cfg.Clusters {
		clusters[cluster] = attrs
	}
	for cluster, attrs := range clusters {
		for _, attr := range attrs {
			e.attrs[clusterAttribute{cluster, attr}] = nil
		}
	}
	return e
}

// NewAggregator builds an aggregator endpoint, the container bridged devices
// attach under.
func NewAggregator(id string) *Endpoint {
	return NewEndpoint(EndpointConfig{ID: id, DeviceType: DeviceTypeAggregator})
}

// ID returns the endpoint's stable identity.
func (e *Endpoint) ID() string {
	return e.id
}

// DeviceType returns the endpoint's device type.
func (e *Endpoint) DeviceType() DeviceTypeID {
	return e.deviceType
}

// Number returns the wire endpoint number, valid once attached to a node.
func (e *Endpoint) Number() EndpointNumber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.number
}

// Node returns the owning server node, nil while detached.
func (e *Endpoint) Node() *ServerNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node
}

// Deleted reports whether the endpoint was removed from its node.
func (e *Endpoint) Deleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleted
}

// HasAttributeServer reports whether the endpoint serves the given attribute.
func (e *Endpoint) HasAttributeServer(cluster ClusterID, attribute AttributeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.attrs[clusterAttribute{cluster, attribute}]
	return ok
}

// SubscribeAttribute registers a listener fired on every observed change of
// the attribute. Subscribing to an attribute the endpoint does not serve is
// an error.
func (e *Endpoint) SubscribeAttribute(cluster ClusterID, attribute AttributeID, fn AttributeListener) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := clusterAttribute{cluster, attribute}
	if _, ok := e.attrs[key]; !ok {
		return fmt.Errorf("endpoint %q has no attribute server %s/%s",
			e.id, ClusterName(cluster), AttributeName(cluster, attribute))
	}
	e.listeners[key] = append(e.listeners[key], fn)
	return nil
}

// SetAttribute updates an attribute value and notifies listeners. Unknown
// attributes are an error so plugin typos surface early.
func (e *Endpoint) SetAttribute(cluster ClusterID, attribute AttributeID, value any) error {
	key := clusterAttribute{cluster, attribute}

	e.mu.Lock()
	if _, ok := e.attrs[key]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("endpoint %q has no attribute server %s/%s",
			e.id, ClusterName(cluster), AttributeName(cluster, attribute))
	}
	e.attrs[key] = value
	listeners := append([]AttributeListener(nil), e.listeners[key]...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(value)
	}
	return nil
}

// Attribute reads the current attribute value.
func (e *Endpoint) Attribute(cluster ClusterID, attribute AttributeID) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.attrs[clusterAttribute{cluster, attribute}]
	return v, ok
}

// AddChild attaches child under e. If e already belongs to a node the child
// subtree is numbered immediately.
func (e *Endpoint) AddChild(child *Endpoint) error {
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return fmt.Errorf("endpoint %q was deleted", e.id)
	}
	child.mu.Lock()
	if child.parent != nil {
		child.mu.Unlock()
		e.mu.Unlock()
		return fmt.Errorf("endpoint %q already has a parent", child.id)
	}
	child.parent = e
	child.mu.Unlock()
	e.children = append(e.children, child)
	node := e.node
	e.mu.Unlock()

	if node != nil {
		return node.attach(child)
	}
	return nil
}

// Children returns a copy of the direct children.
func (e *Endpoint) Children() []*Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Endpoint(nil), e.children...)
}

// Delete detaches the endpoint from its parent and marks the whole subtree
// deleted.
func (e *Endpoint) Delete() {
	e.mu.Lock()
	parent := e.parent
	e.parent = nil
	e.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		for i, c := range parent.children {
			if c == e {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
		parent.mu.Unlock()
	}

	e.markDeleted()
}

func (e *Endpoint) markDeleted() {
	e.mu.Lock()
	e.deleted = true
	e.node = nil
	children := append([]*Endpoint(nil), e.children...)
	e.mu.Unlock()

	for _, c := range children {
		c.markDeleted()
	}
}

// walk visits e and its children depth first.
func (e *Endpoint) walk(fn func(*Endpoint)) {
	fn(e)
	for _, c := range e.Children() {
		c.walk(fn)
	}
}
