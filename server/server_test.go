/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/fulmicoton/bayard/index"
	"github.com/fulmicoton/bayard/protocol"
)

const testSchema = `[
	{"name": "id", "type": "text", "options": {"indexing": {"record": "basic", "tokenizer": "raw"}, "stored": true}},
	{"name": "body", "type": "text", "options": {"indexing": {"record": "position", "tokenizer": "en_stem"}, "stored": true}},
	{"name": "tag", "type": "hierarchical_facet", "options": {"stored": true}}
]`

// testFixture runs an IndexServer against a loopback consensus: every
// proposal commits immediately, in proposal order, bypassing raft.
type testFixture struct {
	server *IndexServer
	rfCh   chan PeerMessage
	applyC chan raftpb.Entry
}

func writeTestSchema(t *testing.T, dir string) string {
	t.Helper()
	schemaFile := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(schemaFile, []byte(testSchema), 0644))
	return schemaFile
}

// newTestFixture builds the server around the loopback. With loopback
// false, proposals go nowhere and never commit.
func newTestFixture(t *testing.T, loopback bool) *testFixture {
	t.Helper()
	dir := t.TempDir()
	idx, err := index.Open(filepath.Join(dir, "index"), writeTestSchema(t, dir), "id", zap.NewNop())
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Join(1, "127.0.0.1:5000")

	rfCh := make(chan PeerMessage, peerChanCapacity)
	applyC := make(chan raftpb.Entry, peerChanCapacity)

	s := &IndexServer{
		id:          1,
		addr:        "127.0.0.1:5000",
		logger:      zap.NewNop(),
		registry:    registry,
		index:       idx,
		metrics:     NewMetrics(1),
		rfMessageCh: rfCh,
		notifyChs:   make(map[uint64]chan NotifyArgs),
	}

	applierDone := make(chan struct{})
	go func() {
		defer close(applierDone)
		s.asyncApplier(applyC)
	}()

	loopbackDone := make(chan struct{})
	go func() {
		defer close(loopbackDone)
		var logIndex uint64
		for pm := range rfCh {
			logIndex++
			switch pm.Type {
			case MsgPropose:
				if loopback {
					applyC <- raftpb.Entry{Type: raftpb.EntryNormal, Term: 1, Index: logIndex, Data: pm.Data}
				}
			case MsgConfChange:
				if loopback {
					data, err := pm.ConfChange.Marshal()
					if err != nil {
						panic(err)
					}
					applyC <- raftpb.Entry{Type: raftpb.EntryConfChange, Term: 1, Index: logIndex, Data: data}
				}
			}
		}
	}()

	t.Cleanup(func() {
		close(rfCh)
		<-loopbackDone
		close(applyC)
		<-applierDone
		idx.Close()
	})
	return &testFixture{server: s, rfCh: rfCh, applyC: applyC}
}

func opstampOf(t *testing.T, value string) uint64 {
	t.Helper()
	var parsed struct {
		Opstamp uint64 `json:"opstamp"`
	}
	require.NoError(t, json.Unmarshal([]byte(value), &parsed))
	return parsed.Opstamp
}

func TestStartOpPutCommit(t *testing.T) {
	tf := newTestFixture(t, true)
	s := tf.server

	err, value := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqPut,
		ClientID: 1,
		Put:      &protocol.PutReq{DocID: "a", Fields: map[string]interface{}{"body": "hello"}},
	})
	require.Equal(t, protocol.OK, err)
	assert.Equal(t, uint64(1), opstampOf(t, value))

	err, value = s.startOp(&protocol.ApplyReq{ReqType: protocol.ReqCommit, ClientID: 2})
	require.Equal(t, protocol.OK, err)
	assert.Equal(t, uint64(2), opstampOf(t, value))

	doc, gerr := s.index.Get("a")
	require.NoError(t, gerr)
	assert.Contains(t, doc, `"body":["hello"]`)
}

func TestStartOpTimeoutLeavesNoStaleSlot(t *testing.T) {
	tf := newTestFixture(t, false)
	s := tf.server

	start := time.Now()
	err, value := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqCommit,
		ClientID: 9,
	})
	assert.Equal(t, protocol.ErrWrongLeader, err)
	assert.Equal(t, "", value)
	assert.GreaterOrEqual(t, time.Since(start), proposalTimeout)

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	assert.Empty(t, s.notifyChs)
}

func TestReplyCorrelation(t *testing.T) {
	tf := newTestFixture(t, true)
	s := tf.server

	const n = 8
	var wg sync.WaitGroup
	opstamps := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err, value := s.startOp(&protocol.ApplyReq{
				ReqType:  protocol.ReqPut,
				ClientID: uint64(i + 1),
				Put: &protocol.PutReq{
					DocID:  fmt.Sprintf("d%d", i),
					Fields: map[string]interface{}{"body": "x"},
				},
			})
			require.Equal(t, protocol.OK, err)
			opstamps <- opstampOf(t, value)
		}(i)
	}
	wg.Wait()
	close(opstamps)

	// Each handler got the opstamp of its own put: all n stamps are
	// present, none delivered twice.
	seen := map[uint64]bool{}
	for stamp := range opstamps {
		assert.False(t, seen[stamp], "opstamp %d delivered twice", stamp)
		seen[stamp] = true
	}
	for want := uint64(1); want <= n; want++ {
		assert.True(t, seen[want], "opstamp %d missing", want)
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	assert.Empty(t, s.notifyChs)
}

func TestApplyJoinLeave(t *testing.T) {
	tf := newTestFixture(t, true)
	s := tf.server

	err, _ := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqJoin,
		ClientID: 2,
		Join:     &protocol.JoinReq{PeerID: 2, PeerAddr: "127.0.0.1:5001"},
	})
	require.Equal(t, protocol.OK, err)

	addr, ok := s.registry.Addr(2)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:5001", addr)
	assert.NotNil(t, s.registry.Client(2))

	err, _ = s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqLeave,
		ClientID: 2,
		Leave:    &protocol.LeaveReq{PeerID: 2},
	})
	require.Equal(t, protocol.OK, err)

	_, ok = s.registry.Addr(2)
	assert.False(t, ok)
	assert.Nil(t, s.registry.Client(2))
}

func TestEmptyEntryNotifiesNoop(t *testing.T) {
	tf := newTestFixture(t, true)
	s := tf.server

	ch := s.installNotify(0)
	tf.applyC <- raftpb.Entry{Type: raftpb.EntryNormal, Term: 3, Index: 50}

	select {
	case args := <-ch:
		assert.Equal(t, protocol.ErrWrongLeader, args.Err)
		assert.Equal(t, uint64(0), args.Term)
	case <-time.After(time.Second):
		t.Fatal("no-op entry did not notify")
	}
}

func TestConfChangeEntryNotifiesNodeID(t *testing.T) {
	tf := newTestFixture(t, true)
	s := tf.server

	ch := s.installNotify(7)
	cc := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 7}
	data, err := cc.Marshal()
	require.NoError(t, err)
	tf.applyC <- raftpb.Entry{Type: raftpb.EntryConfChange, Term: 1, Index: 51, Data: data}

	select {
	case args := <-ch:
		assert.Equal(t, protocol.OK, args.Err)
	case <-time.After(time.Second):
		t.Fatal("conf-change entry did not notify")
	}
}

func TestMergeOnEmptyReply(t *testing.T) {
	tf := newTestFixture(t, true)
	s := tf.server

	err, value := s.startOp(&protocol.ApplyReq{ReqType: protocol.ReqMerge, ClientID: 1})
	require.Equal(t, protocol.OK, err)
	assert.Equal(t, `{"segments":[]}`, value)
}

func TestApplyPutParseFailureIsDeterministicError(t *testing.T) {
	tf := newTestFixture(t, true)
	s := tf.server

	err, value := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqPut,
		ClientID: 1,
		Put:      &protocol.PutReq{DocID: "a", Fields: map[string]interface{}{"bogus": "x"}},
	})
	assert.Equal(t, protocol.ErrWrongLeader, err)
	assert.Contains(t, value, `"error"`)

	// Writer state is untouched: the next mutation gets the first stamp.
	err, value = s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqPut,
		ClientID: 2,
		Put:      &protocol.PutReq{DocID: "a", Fields: map[string]interface{}{"body": "hello"}},
	})
	require.Equal(t, protocol.OK, err)
	assert.Equal(t, uint64(1), opstampOf(t, value))
}

func TestMetricsCountAppliedOps(t *testing.T) {
	tf := newTestFixture(t, true)
	s := tf.server

	err, _ := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqPut,
		ClientID: 1,
		Put:      &protocol.PutReq{DocID: "a", Fields: map[string]interface{}{"body": "hello"}},
	})
	require.Equal(t, protocol.OK, err)

	text, merr := s.metrics.Gather()
	require.NoError(t, merr)
	assert.Contains(t, text, "bayard_requests_total")
	assert.Contains(t, text, `func="put"`)
}

// applyReqEntry serializes req into a committed data entry.
func applyReqEntry(t *testing.T, term, index uint64, req *protocol.ApplyReq) raftpb.Entry {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return raftpb.Entry{Type: raftpb.EntryNormal, Term: term, Index: index, Data: data}
}

// TestConvergenceAcrossReplicas feeds the identical committed log to
// two independent replicas and expects byte-identical reads: apply is
// deterministic given the log order.
func TestConvergenceAcrossReplicas(t *testing.T) {
	r1 := newTestFixture(t, true)
	r2 := newTestFixture(t, true)

	log := []*protocol.ApplyReq{
		{ReqType: protocol.ReqPut, ClientID: 1, Put: &protocol.PutReq{DocID: "a", Fields: map[string]interface{}{"body": "hello"}}},
		{ReqType: protocol.ReqPut, ClientID: 2, Put: &protocol.PutReq{DocID: "b", Fields: map[string]interface{}{"body": "world"}}},
		{ReqType: protocol.ReqPut, ClientID: 3, Put: &protocol.PutReq{DocID: "a", Fields: map[string]interface{}{"body": "again"}}},
		{ReqType: protocol.ReqDelete, ClientID: 4, Delete: &protocol.DeleteReq{DocID: "b"}},
	}
	for _, tf := range []*testFixture{r1, r2} {
		for i, req := range log {
			tf.applyC <- applyReqEntry(t, 1, uint64(i+1), req)
		}
		// The commit doubles as a barrier: its reply means every entry
		// before it has been applied.
		err, _ := tf.server.startOp(&protocol.ApplyReq{ReqType: protocol.ReqCommit, ClientID: 5})
		require.Equal(t, protocol.OK, err)
	}

	for _, docID := range []string{"a", "b", "c"} {
		doc1, err := r1.server.index.Get(docID)
		require.NoError(t, err)
		doc2, err := r2.server.index.Get(docID)
		require.NoError(t, err)
		assert.Equal(t, doc1, doc2, "doc %s diverged", docID)
	}

	doc, err := r1.server.index.Get("a")
	require.NoError(t, err)
	assert.Contains(t, doc, `"body":["again"]`)
	doc, err = r1.server.index.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "{}", doc)
}
