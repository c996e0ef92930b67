/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulmicoton/bayard/protocol"
)

func respondWith(t *testing.T, err protocol.RespErr, value string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(protocol.RPCResponse{Err: err, Value: value}))
	}
}

func addrOf(ts *httptest.Server) string {
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestClerkRetriesPastWrongLeader(t *testing.T) {
	var followerCalls, leaderCalls int32

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&followerCalls, 1)
		respondWith(t, protocol.ErrWrongLeader, "")(w, r)
	}))
	defer follower.Close()
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&leaderCalls, 1)
		respondWith(t, protocol.OK, `{"opstamp":1}`)(w, r)
	}))
	defer leader.Close()

	ck := NewClerk([]string{addrOf(follower), addrOf(leader)}, 7)
	value, err := ck.Put("a", map[string]interface{}{"body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, `{"opstamp":1}`, value)
	assert.Equal(t, int32(1), atomic.LoadInt32(&followerCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&leaderCalls))

	// The clerk remembers the leader: the follower is not asked again.
	_, err = ck.Commit()
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&followerCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&leaderCalls))
}

func TestClerkGivesUpEventually(t *testing.T) {
	down := httptest.NewServer(respondWith(t, protocol.ErrWrongLeader, ""))
	defer down.Close()

	ck := NewClerk([]string{addrOf(down)}, 7)
	_, err := ck.Probe()
	assert.Error(t, err)
}

func TestIndexClientDecodesEnvelope(t *testing.T) {
	ts := httptest.NewServer(respondWith(t, protocol.OK, `{"health":"OK"}`))
	defer ts.Close()

	c := NewIndexClient(addrOf(ts))
	resp, err := c.Probe()
	require.NoError(t, err)
	assert.Equal(t, protocol.OK, resp.Err)
	assert.Equal(t, `{"health":"OK"}`, resp.Value)
}
