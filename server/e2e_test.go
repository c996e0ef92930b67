/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package server

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fulmicoton/bayard/client"
	"github.com/fulmicoton/bayard/index"
	"github.com/fulmicoton/bayard/protocol"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestSingleNodeEndToEnd drives a real node, consensus log included,
// through the client: put, commit, get, overwrite, search, delete.
func TestSingleNodeEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end test")
	}

	dir := t.TempDir()
	port := freePort(t)
	cfg := Config{
		ID:                 1,
		Host:               "127.0.0.1",
		Port:               port,
		DataDirectory:      dir,
		SchemaFile:         writeTestSchema(t, dir),
		UniqueKeyFieldName: "id",
	}
	srv, err := NewServer(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	ck := client.NewClerk([]string{cfg.Addr()}, 42)

	// Announce membership, as a booting node would.
	require.NoError(t, ck.Join(1, "127.0.0.1", port))

	peersJSON, err := ck.Peers()
	require.NoError(t, err)
	var addrs map[string]string
	require.NoError(t, json.Unmarshal([]byte(peersJSON), &addrs))
	assert.Equal(t, cfg.Addr(), addrs["1"])

	value, err := ck.Put("a", map[string]interface{}{"body": "hello"})
	require.NoError(t, err)
	assert.Contains(t, value, `"opstamp"`)
	_, err = ck.Commit()
	require.NoError(t, err)

	doc, err := ck.Get("a")
	require.NoError(t, err)
	var named map[string][]interface{}
	require.NoError(t, json.Unmarshal([]byte(doc), &named))
	assert.Equal(t, []interface{}{"a"}, named["id"])
	assert.Equal(t, []interface{}{"hello"}, named["body"])

	// Overwrite: the prior instance disappears from search.
	_, err = ck.Put("a", map[string]interface{}{"body": "world"})
	require.NoError(t, err)
	_, err = ck.Commit()
	require.NoError(t, err)

	result, err := ck.Search(protocol.SearchRequest{Query: "hello", Limit: 10})
	require.NoError(t, err)
	var sr index.SearchResult
	require.NoError(t, json.Unmarshal([]byte(result), &sr))
	assert.Equal(t, int64(0), sr.Count)
	assert.Empty(t, sr.Docs)

	result, err = ck.Search(protocol.SearchRequest{Query: "world", Limit: 10})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(result), &sr))
	assert.Equal(t, int64(1), sr.Count)

	// Delete.
	_, err = ck.Delete("a")
	require.NoError(t, err)
	_, err = ck.Commit()
	require.NoError(t, err)

	doc, err = ck.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "{}", doc)

	// Paging: five docs, one page of two past an offset of two.
	for _, id := range []string{"d1", "d2", "d3", "d4", "d5"} {
		_, err = ck.Put(id, map[string]interface{}{"body": "x"})
		require.NoError(t, err)
	}
	_, err = ck.Commit()
	require.NoError(t, err)

	result, err = ck.Search(protocol.SearchRequest{Query: "x", From: 2, Limit: 2})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(result), &sr))
	assert.Equal(t, int64(5), sr.Count)
	assert.Len(t, sr.Docs, 2)

	// Facet aggregation restricted to a prefix.
	for id, tag := range map[string]string{"t1": "/a/1", "t2": "/a/2", "t3": "/b/1"} {
		_, err = ck.Put(id, map[string]interface{}{"body": "y", "tag": tag})
		require.NoError(t, err)
	}
	_, err = ck.Commit()
	require.NoError(t, err)

	result, err = ck.Search(protocol.SearchRequest{
		Query:         "*",
		Limit:         10,
		FacetField:    "tag",
		FacetPrefixes: []string{"/a"},
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(result), &sr))
	assert.Equal(t, map[string]uint64{"/a/1": 1, "/a/2": 1}, sr.Facet["tag"])
}
