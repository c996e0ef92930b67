/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

// Package server implements the replicated search server: the proposal
// path into the consensus log, the apply loop that routes committed
// entries into the local index and peer registry, and the RPC surface
// clients and peers talk to.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/fulmicoton/bayard/client"
	"github.com/fulmicoton/bayard/index"
	"github.com/fulmicoton/bayard/protocol"
)

// proposalTimeout bounds how long a handler waits for its proposal to
// come back through the apply loop. Proposals can be lost across leader
// changes; the timeout converts that into ErrWrongLeader so the clerk
// retries.
const proposalTimeout = 1 * time.Second

// NotifyArgs is the apply result delivered to the waiting handler.
type NotifyArgs struct {
	Term  uint64
	Value string
	Err   protocol.RespErr
}

// Config carries the bootstrap parameters of one node.
type Config struct {
	ID                 uint64
	Host               string
	Port               int
	Peers              map[uint64]string // seed peers, id -> host:port
	DataDirectory      string
	SchemaFile         string
	UniqueKeyFieldName string
}

// Addr returns the node's own listen address.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// IndexServer is one replica: it proposes client operations into the
// consensus log, applies committed entries to the local index and
// registry, and serves reads from the current reader snapshot.
type IndexServer struct {
	id     uint64
	addr   string
	logger *zap.Logger

	registry *Registry
	index    *index.Index
	metrics  *Metrics
	peer     *Peer

	rfMessageCh chan<- PeerMessage

	notifyMu  sync.Mutex
	notifyChs map[uint64]chan NotifyArgs

	httpServer *http.Server
}

// NewServer builds a server from cfg: opens the index (creating it from
// the schema file when absent), registers self and the seed peers, and
// prepares the consensus adapter. Nothing runs until Start.
func NewServer(cfg Config, logger *zap.Logger) (*IndexServer, error) {
	idx, err := index.Open(
		filepath.Join(cfg.DataDirectory, "index"),
		cfg.SchemaFile,
		cfg.UniqueKeyFieldName,
		logger.Named("index"),
	)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	registry.Join(cfg.ID, cfg.Addr())
	for id, addr := range cfg.Peers {
		registry.Join(id, addr)
	}

	peer, err := NewPeer(cfg.ID, filepath.Join(cfg.DataDirectory, "raft"), len(cfg.Peers) > 0, logger.Named("peer"))
	if err != nil {
		idx.Close()
		return nil, err
	}

	s := &IndexServer{
		id:          cfg.ID,
		addr:        cfg.Addr(),
		logger:      logger.Named("server"),
		registry:    registry,
		index:       idx,
		metrics:     NewMetrics(cfg.ID),
		peer:        peer,
		rfMessageCh: peer.MessageCh(),
		notifyChs:   make(map[uint64]chan NotifyArgs),
	}
	return s, nil
}

// Start brings the server up: the RPC listener first, then the outbound
// fan-out and the apply loop, then the consensus adapter.
func (s *IndexServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.addr)
	}
	s.httpServer = &http.Server{Handler: s.router()}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("rpc server failed", zap.Error(err))
		}
	}()
	s.logger.Info("listening", zap.String("addr", s.addr))

	go s.asyncRPCSender(s.peer.SendC())
	go s.asyncApplier(s.peer.ApplyC())
	s.peer.Activate()
	return nil
}

// Stop shuts the server down: drain the RPC surface, then stop the
// consensus adapter last so in-flight applies finish.
func (s *IndexServer) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("rpc shutdown failed", zap.Error(err))
		}
	}
	s.peer.Stop()
	if err := s.index.Close(); err != nil {
		s.logger.Error("close index failed", zap.Error(err))
	}
	s.logger.Info("stopped", zap.String("addr", s.addr))
}

// installNotify registers a one-shot reply slot under key. The slot
// must exist before the proposal reaches the consensus adapter,
// otherwise the apply loop can race ahead and lose the notification.
func (s *IndexServer) installNotify(key uint64) chan NotifyArgs {
	ch := make(chan NotifyArgs, 1)
	s.notifyMu.Lock()
	s.notifyChs[key] = ch
	s.notifyMu.Unlock()
	return ch
}

// removeNotify drops the reply slot for key, if any.
func (s *IndexServer) removeNotify(key uint64) {
	s.notifyMu.Lock()
	delete(s.notifyChs, key)
	s.notifyMu.Unlock()
}

// notifyWaiter delivers args to the slot under key and removes it.
// Absence is benign: the handler timed out, or this replica is a
// follower with no local waiter. The slot is buffered, so a waiter
// that already gave up never blocks the apply loop.
func (s *IndexServer) notifyWaiter(key uint64, args NotifyArgs) {
	s.notifyMu.Lock()
	ch, ok := s.notifyChs[key]
	delete(s.notifyChs, key)
	s.notifyMu.Unlock()
	if ok {
		ch <- args
	}
}

// startOp proposes req into the consensus log and waits a bounded time
// for the apply loop's notification. Every failure collapses to
// ErrWrongLeader: the client's correct response is to retry elsewhere.
func (s *IndexServer) startOp(req *protocol.ApplyReq) (protocol.RespErr, string) {
	ch := s.installNotify(req.ClientID)

	data, err := json.Marshal(req)
	if err != nil {
		s.logger.Fatal("marshal apply request", zap.Error(err))
	}
	s.rfMessageCh <- PeerMessage{Type: MsgPropose, Data: data}

	select {
	case args := <-ch:
		return args.Err, args.Value
	case <-time.After(proposalTimeout):
		s.removeNotify(req.ClientID)
		return protocol.ErrWrongLeader, ""
	}
}

// asyncRPCSender delivers consensus messages to their addressed peers.
// Sends are fire-and-forget: failures are logged and dropped, the
// consensus layer retries at its own pace.
func (s *IndexServer) asyncRPCSender(sendC <-chan raftpb.Message) {
	for m := range sendC {
		c := s.registry.Client(m.To)
		if c == nil {
			s.logger.Warn("no client for peer", zap.Uint64("to", m.To))
			continue
		}
		go func(m raftpb.Message, c *client.IndexClient) {
			if err := c.Raft(m); err != nil {
				s.logger.Error("send raft message failed",
					zap.Uint64("to", m.To), zap.Error(err))
			}
		}(m, c)
	}
}

// asyncApplier is the single consumer of committed entries. Entries are
// processed strictly serially: the writer is ordering-sensitive and the
// log order is already the canonical order.
func (s *IndexServer) asyncApplier(applyC <-chan raftpb.Entry) {
	for e := range applyC {
		switch e.Type {
		case raftpb.EntryNormal:
			var result NotifyArgs
			var req protocol.ApplyReq
			if len(e.Data) > 0 {
				if err := json.Unmarshal(e.Data, &req); err != nil {
					s.logger.Fatal("unmarshal apply request", zap.Error(err))
				}
				result = s.applyEntry(e.Term, &req)
			} else {
				// Consensus no-op, typically after a leader change.
				result = NotifyArgs{Term: 0, Value: "", Err: protocol.ErrWrongLeader}
			}
			s.notifyWaiter(req.ClientID, result)

		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(e.Data); err != nil {
				s.logger.Fatal("unmarshal conf change", zap.Error(err))
			}
			// The adapter already applied the change to the consensus
			// node; here we only wake the handler waiting on it.
			s.notifyWaiter(cc.NodeID, NotifyArgs{Term: 0, Value: "", Err: protocol.OK})
		}
	}
}

// applyEntry executes one committed operation against the index or the
// registry. It is deterministic given the log order; engine failures
// are recorded in the reply but do not diverge replica state.
func (s *IndexServer) applyEntry(term uint64, req *protocol.ApplyReq) NotifyArgs {
	switch req.ReqType {
	case protocol.ReqJoin:
		s.metrics.IncRequestCount("join")
		s.registry.Join(req.Join.PeerID, req.Join.PeerAddr)
		return NotifyArgs{Term: term, Value: "", Err: protocol.OK}

	case protocol.ReqLeave:
		s.metrics.IncRequestCount("leave")
		s.registry.Leave(req.Leave.PeerID)
		return NotifyArgs{Term: term, Value: "", Err: protocol.OK}

	case protocol.ReqPut:
		s.metrics.IncRequestCount("put")
		opstamp, err := s.index.Put(req.Put.DocID, req.Put.Fields)
		if err != nil {
			s.logger.Error("put failed", zap.String("doc_id", req.Put.DocID), zap.Error(err))
			return NotifyArgs{Term: term, Value: errorValue(err), Err: protocol.ErrWrongLeader}
		}
		return NotifyArgs{Term: term, Value: opstampValue(opstamp), Err: protocol.OK}

	case protocol.ReqDelete:
		s.metrics.IncRequestCount("delete")
		opstamp, err := s.index.Delete(req.Delete.DocID)
		if err != nil {
			s.logger.Error("delete failed", zap.String("doc_id", req.Delete.DocID), zap.Error(err))
			return NotifyArgs{Term: term, Value: errorValue(err), Err: protocol.ErrWrongLeader}
		}
		return NotifyArgs{Term: term, Value: opstampValue(opstamp), Err: protocol.OK}

	case protocol.ReqCommit:
		s.metrics.IncRequestCount("commit")
		opstamp, err := s.index.Commit()
		if err != nil {
			s.logger.Error("commit failed", zap.Error(err))
			return NotifyArgs{Term: term, Value: errorValue(err), Err: protocol.ErrWrongLeader}
		}
		s.logger.Info("commit succeeded", zap.Uint64("opstamp", opstamp))
		return NotifyArgs{Term: term, Value: opstampValue(opstamp), Err: protocol.OK}

	case protocol.ReqRollback:
		s.metrics.IncRequestCount("rollback")
		opstamp, err := s.index.Rollback()
		if err != nil {
			s.logger.Error("rollback failed", zap.Error(err))
			return NotifyArgs{Term: term, Value: errorValue(err), Err: protocol.ErrWrongLeader}
		}
		s.logger.Info("rollback succeeded", zap.Uint64("opstamp", opstamp))
		return NotifyArgs{Term: term, Value: opstampValue(opstamp), Err: protocol.OK}

	case protocol.ReqMerge:
		s.metrics.IncRequestCount("merge")
		meta, merged, err := s.index.Merge()
		if err != nil {
			s.logger.Error("merge failed", zap.Error(err))
			return NotifyArgs{Term: term, Value: errorValue(err), Err: protocol.ErrWrongLeader}
		}
		if !merged {
			return NotifyArgs{Term: term, Value: `{"segments":[]}`, Err: protocol.OK}
		}
		s.logger.Info("merge succeeded")
		value, err := json.Marshal(map[string]interface{}{"segment_meta": meta})
		if err != nil {
			s.logger.Fatal("marshal merge result", zap.Error(err))
		}
		return NotifyArgs{Term: term, Value: string(value), Err: protocol.OK}
	}

	s.logger.Fatal("unknown request type", zap.String("req_type", string(req.ReqType)))
	return NotifyArgs{}
}

func opstampValue(opstamp uint64) string {
	return fmt.Sprintf(`{"opstamp":%d}`, opstamp)
}

func errorValue(err error) string {
	data, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return `{"error":"unserializable error"}`
	}
	return string(data)
}
