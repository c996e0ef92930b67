/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package client

import (
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/fulmicoton/bayard/protocol"
)

// Maximum attempts before a Clerk call gives up, and the pause between
// attempts. ErrWrongLeader is the universal retry signal: the clerk
// rotates to the next server and tries again.
const (
	clerkMaxRetries = 50
	clerkRetryPause = 100 * time.Millisecond
)

// Clerk finds the current leader by trial and retries operations that
// fail with ErrWrongLeader against the next server. It remembers the
// last server that answered successfully.
type Clerk struct {
	servers  []*IndexClient
	clientID uint64
	leader   int
}

// NewClerk returns a Clerk over the given server addresses. clientID
// correlates this clerk's in-flight proposals; it only needs to be
// unique among concurrent proposers.
func NewClerk(addrs []string, clientID uint64) *Clerk {
	servers := make([]*IndexClient, 0, len(addrs))
	for _, addr := range addrs {
		servers = append(servers, NewIndexClient(addr))
	}
	return &Clerk{servers: servers, clientID: clientID}
}

// call runs fn against the remembered leader, rotating through servers
// on transport errors or ErrWrongLeader until it succeeds or retries
// are exhausted.
func (ck *Clerk) call(fn func(c *IndexClient) (*protocol.RPCResponse, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt < clerkMaxRetries; attempt++ {
		srv := ck.servers[ck.leader]
		resp, err := fn(srv)
		if err == nil && resp.Err == protocol.OK {
			return resp.Value, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.Errorf("%s answered %s", srv.Addr(), resp.Err)
		}
		ck.leader = (ck.leader + 1) % len(ck.servers)
		time.Sleep(clerkRetryPause)
	}
	return "", errors.Wrap(lastErr, "no server accepted the request")
}

// Join announces node id at ip:port to the cluster: an AddNode
// conf-change routed through whichever server is leading.
func (ck *Clerk) Join(id uint64, ip string, port int) error {
	cc := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: id}
	_, err := ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.RaftConfChange(cc, ip, port)
	})
	return err
}

// Leave removes node id from the cluster.
func (ck *Clerk) Leave(id uint64) error {
	cc := raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: id}
	_, err := ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.RaftConfChange(cc, "", 0)
	})
	return err
}

// Put replaces the document identified by docID.
func (ck *Clerk) Put(docID string, fields map[string]interface{}) (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Put(ck.clientID, docID, fields)
	})
}

// Delete removes the document identified by docID.
func (ck *Clerk) Delete(docID string) (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Delete(ck.clientID, docID)
	})
}

// Commit publishes staged mutations.
func (ck *Clerk) Commit() (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Commit(ck.clientID)
	})
}

// Rollback discards staged mutations.
func (ck *Clerk) Rollback() (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Rollback(ck.clientID)
	})
}

// Merge runs the merge operation, which reports the searchable segment
// meta; it does not consolidate segments itself.
func (ck *Clerk) Merge() (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Merge(ck.clientID)
	})
}

// Get retrieves a document from whichever server answers. Reads carry
// no linearizability guarantee.
func (ck *Clerk) Get(docID string) (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Get(docID)
	})
}

// Search runs a full-text query.
func (ck *Clerk) Search(req protocol.SearchRequest) (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Search(req)
	})
}

// Schema returns the index schema JSON.
func (ck *Clerk) Schema() (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Schema()
	})
}

// Peers returns the peer registry JSON.
func (ck *Clerk) Peers() (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Peers()
	})
}

// Metrics returns the metrics of whichever server answers.
func (ck *Clerk) Metrics() (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Metrics()
	})
}

// Probe checks liveness of whichever server answers.
func (ck *Clerk) Probe() (string, error) {
	return ck.call(func(c *IndexClient) (*protocol.RPCResponse, error) {
		return c.Probe()
	})
}
