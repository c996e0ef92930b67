/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package server

import (
	"sync"

	"github.com/fulmicoton/bayard/client"
)

// Registry maps peer ids to addresses and RPC handles. It is mutated
// only by the apply loop during Join/Leave, so every replica converges
// to the same set; readers observe either the pre- or post-state of a
// membership change, never a partial update. Critical sections are a
// single map operation.
type Registry struct {
	mu      sync.RWMutex
	addrs   map[uint64]string
	clients map[uint64]*client.IndexClient
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		addrs:   make(map[uint64]string),
		clients: make(map[uint64]*client.IndexClient),
	}
}

// Join inserts id at addr, opening an RPC handle for it. Re-joining
// replaces the previous handle.
func (r *Registry) Join(id uint64, addr string) {
	c := client.NewIndexClient(addr)
	r.mu.Lock()
	r.addrs[id] = addr
	r.clients[id] = c
	r.mu.Unlock()
}

// Leave removes id.
func (r *Registry) Leave(id uint64) {
	r.mu.Lock()
	delete(r.addrs, id)
	delete(r.clients, id)
	r.mu.Unlock()
}

// Client returns the RPC handle for id, or nil if id is unknown.
func (r *Registry) Client(id uint64) *client.IndexClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Addr returns the address for id.
func (r *Registry) Addr(id uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[id]
	return addr, ok
}

// Addrs returns a copy of the address map.
func (r *Registry) Addrs() map[uint64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := make(map[uint64]string, len(r.addrs))
	for id, addr := range r.addrs {
		addrs[id] = addr
	}
	return addrs
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.addrs)
}
