/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

// Package client provides the RPC handle for a single bayard server and
// the Clerk, the retrying multi-server client used by the CLI and by a
// server announcing its own membership.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/fulmicoton/bayard/protocol"
)

// IndexClient is an RPC handle to one server address. It is safe for
// concurrent use.
type IndexClient struct {
	addr string
	hc   *http.Client
}

// NewIndexClient returns a handle for addr (host:port).
func NewIndexClient(addr string) *IndexClient {
	return &IndexClient{
		addr: addr,
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Addr returns the address this handle dials.
func (c *IndexClient) Addr() string { return c.addr }

func (c *IndexClient) url(path string) string {
	return fmt.Sprintf("http://%s%s", c.addr, path)
}

func (c *IndexClient) do(method, path string, contentType string, body []byte) (*protocol.RPCResponse, error) {
	req, err := http.NewRequest(method, c.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", c.addr)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	var out protocol.RPCResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(err, "decode response from %s", c.addr)
	}
	return &out, nil
}

func (c *IndexClient) doJSON(method, path string, body interface{}) (*protocol.RPCResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	return c.do(method, path, "application/json", data)
}

// Raft forwards a raw consensus message. Fire-and-forget from the
// caller's perspective: the reply carries no payload.
func (c *IndexClient) Raft(m raftpb.Message) error {
	data, err := m.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal raft message")
	}
	_, err = c.do(http.MethodPost, "/raft", "application/octet-stream", data)
	return err
}

// RaftConfChange submits a cluster membership change.
func (c *IndexClient) RaftConfChange(cc raftpb.ConfChange, ip string, port int) (*protocol.RPCResponse, error) {
	data, err := cc.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal conf change")
	}
	return c.doJSON(http.MethodPost, "/raft/confchange", protocol.ConfChangeReq{
		CC:   data,
		IP:   ip,
		Port: port,
	})
}

// Probe checks liveness.
func (c *IndexClient) Probe() (*protocol.RPCResponse, error) {
	return c.do(http.MethodGet, "/v1/probe", "", nil)
}

// Peers returns the peer registry as JSON.
func (c *IndexClient) Peers() (*protocol.RPCResponse, error) {
	return c.do(http.MethodGet, "/v1/peers", "", nil)
}

// Metrics returns the server's metrics in text exposition format.
func (c *IndexClient) Metrics() (*protocol.RPCResponse, error) {
	return c.do(http.MethodGet, "/v1/metrics", "", nil)
}

// Schema returns the index schema as JSON.
func (c *IndexClient) Schema() (*protocol.RPCResponse, error) {
	return c.do(http.MethodGet, "/v1/schema", "", nil)
}

// Get retrieves a document by its unique key.
func (c *IndexClient) Get(docID string) (*protocol.RPCResponse, error) {
	return c.do(http.MethodGet, "/v1/documents/"+url.PathEscape(docID), "", nil)
}

// Put proposes a document replacement.
func (c *IndexClient) Put(clientID uint64, docID string, fields map[string]interface{}) (*protocol.RPCResponse, error) {
	return c.doJSON(http.MethodPut, "/v1/documents/"+url.PathEscape(docID), map[string]interface{}{
		"client_id": clientID,
		"fields":    fields,
	})
}

// Delete proposes a document delete.
func (c *IndexClient) Delete(clientID uint64, docID string) (*protocol.RPCResponse, error) {
	return c.doJSON(http.MethodDelete, "/v1/documents/"+url.PathEscape(docID), map[string]interface{}{
		"client_id": clientID,
	})
}

// Commit proposes a writer commit.
func (c *IndexClient) Commit(clientID uint64) (*protocol.RPCResponse, error) {
	return c.doJSON(http.MethodPost, "/v1/commit", map[string]interface{}{"client_id": clientID})
}

// Rollback proposes discarding uncommitted mutations.
func (c *IndexClient) Rollback(clientID uint64) (*protocol.RPCResponse, error) {
	return c.doJSON(http.MethodPost, "/v1/rollback", map[string]interface{}{"client_id": clientID})
}

// Merge proposes a segment merge.
func (c *IndexClient) Merge(clientID uint64) (*protocol.RPCResponse, error) {
	return c.doJSON(http.MethodPost, "/v1/merge", map[string]interface{}{"client_id": clientID})
}

// Search runs a full-text query.
func (c *IndexClient) Search(req protocol.SearchRequest) (*protocol.RPCResponse, error) {
	return c.doJSON(http.MethodPost, "/v1/search", req)
}
