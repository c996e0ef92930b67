/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/fulmicoton/bayard/index"
	"github.com/fulmicoton/bayard/protocol"
)

func joinAddr(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// mutateBody is the request body shared by the mutating endpoints.
type mutateBody struct {
	ClientID uint64                 `json:"client_id"`
	Fields   map[string]interface{} `json:"fields"`
}

func (s *IndexServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/raft", s.handleRaft).Methods(http.MethodPost)
	r.HandleFunc("/raft/confchange", s.handleRaftConfChange).Methods(http.MethodPost)
	r.HandleFunc("/v1/probe", s.handleProbe).Methods(http.MethodGet)
	r.HandleFunc("/v1/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/v1/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/v1/schema", s.handleSchema).Methods(http.MethodGet)
	r.HandleFunc("/v1/documents/{doc_id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/documents/{doc_id}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/v1/documents/{doc_id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/v1/commit", s.handleCommit).Methods(http.MethodPost)
	r.HandleFunc("/v1/rollback", s.handleRollback).Methods(http.MethodPost)
	r.HandleFunc("/v1/merge", s.handleMerge).Methods(http.MethodPost)
	r.HandleFunc("/v1/search", s.handleSearch).Methods(http.MethodPost)
	return r
}

func (s *IndexServer) respond(w http.ResponseWriter, err protocol.RespErr, value string) {
	w.Header().Set("Content-Type", "application/json")
	if encErr := json.NewEncoder(w).Encode(protocol.RPCResponse{Err: err, Value: value}); encErr != nil {
		s.logger.Error("write response failed", zap.Error(encErr))
	}
}

func (s *IndexServer) decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.logger.Error("decode request failed", zap.Error(err))
		s.respond(w, protocol.ErrWrongLeader, "")
		return false
	}
	return true
}

// handleRaft forwards a raw consensus message into the adapter.
func (s *IndexServer) handleRaft(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequestCount("raft")

	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}
	var m raftpb.Message
	if err := m.Unmarshal(data); err != nil {
		s.logger.Error("unmarshal raft message failed", zap.Error(err))
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}
	s.rfMessageCh <- PeerMessage{Type: MsgRaft, Message: m}
	s.respond(w, protocol.OK, "")
}

// handleRaftConfChange is two-stage: it proposes a Join/Leave data op
// so every registry learns the address, then submits the conf-change to
// the consensus adapter and waits for its commit.
func (s *IndexServer) handleRaftConfChange(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequestCount("raft_conf_change")

	var req protocol.ConfChangeReq
	if !s.decodeBody(w, r, &req) {
		return
	}
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(req.CC); err != nil {
		s.logger.Error("unmarshal conf change failed", zap.Error(err))
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}

	applyReq := &protocol.ApplyReq{ClientID: cc.NodeID}
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		applyReq.ReqType = protocol.ReqJoin
		applyReq.Join = &protocol.JoinReq{
			PeerID:   cc.NodeID,
			PeerAddr: joinAddr(req.IP, req.Port),
		}
	case raftpb.ConfChangeRemoveNode:
		applyReq.ReqType = protocol.ReqLeave
		applyReq.Leave = &protocol.LeaveReq{PeerID: cc.NodeID}
	default:
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}

	err, _ := s.startOp(applyReq)
	if err != protocol.OK {
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}

	ch := s.installNotify(cc.NodeID)
	s.rfMessageCh <- PeerMessage{Type: MsgConfChange, ConfChange: cc}
	select {
	case <-ch:
		s.respond(w, protocol.OK, "")
	case <-time.After(proposalTimeout):
		s.removeNotify(cc.NodeID)
		s.respond(w, protocol.ErrWrongLeader, "")
	}
}

// handleProbe reports liveness; it touches no consensus state.
func (s *IndexServer) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequestCount("probe")
	s.respond(w, protocol.OK, `{"health":"OK"}`)
}

// handlePeers returns the peer registry. A local read.
func (s *IndexServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequestCount("peers")
	value, err := json.Marshal(s.registry.Addrs())
	if err != nil {
		s.logger.Error("marshal peers failed", zap.Error(err))
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}
	s.respond(w, protocol.OK, string(value))
}

// handleMetrics returns the request counters in text exposition format.
func (s *IndexServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequestCount("metrics")
	value, err := s.metrics.Gather()
	if err != nil {
		s.logger.Error("gather metrics failed", zap.Error(err))
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}
	s.respond(w, protocol.OK, value)
}

// handleSchema returns the index schema. A local read.
func (s *IndexServer) handleSchema(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequestCount("schema")
	value, err := s.index.SchemaJSON()
	if err != nil {
		s.logger.Error("marshal schema failed", zap.Error(err))
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}
	s.respond(w, protocol.OK, value)
}

// handleGet retrieves a document by unique key from the local reader
// snapshot. No linearizability guarantee.
func (s *IndexServer) handleGet(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequestCount("get")
	docID := mux.Vars(r)["doc_id"]
	value, err := s.index.Get(docID)
	if err != nil {
		s.logger.Error("get failed", zap.String("doc_id", docID), zap.Error(err))
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}
	s.respond(w, protocol.OK, value)
}

func (s *IndexServer) handlePut(w http.ResponseWriter, r *http.Request) {
	var body mutateBody
	if !s.decodeBody(w, r, &body) {
		return
	}
	err, value := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqPut,
		ClientID: body.ClientID,
		Put:      &protocol.PutReq{DocID: mux.Vars(r)["doc_id"], Fields: body.Fields},
	})
	s.respond(w, err, value)
}

func (s *IndexServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body mutateBody
	if !s.decodeBody(w, r, &body) {
		return
	}
	err, value := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqDelete,
		ClientID: body.ClientID,
		Delete:   &protocol.DeleteReq{DocID: mux.Vars(r)["doc_id"]},
	})
	s.respond(w, err, value)
}

func (s *IndexServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	var body mutateBody
	if !s.decodeBody(w, r, &body) {
		return
	}
	err, value := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqCommit,
		ClientID: body.ClientID,
	})
	s.respond(w, err, value)
}

func (s *IndexServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body mutateBody
	if !s.decodeBody(w, r, &body) {
		return
	}
	err, value := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqRollback,
		ClientID: body.ClientID,
	})
	s.respond(w, err, value)
}

func (s *IndexServer) handleMerge(w http.ResponseWriter, r *http.Request) {
	var body mutateBody
	if !s.decodeBody(w, r, &body) {
		return
	}
	err, value := s.startOp(&protocol.ApplyReq{
		ReqType:  protocol.ReqMerge,
		ClientID: body.ClientID,
	})
	s.respond(w, err, value)
}

// handleSearch runs a full-text query against the local reader
// snapshot. A local read.
func (s *IndexServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequestCount("search")

	var req protocol.SearchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	result, err := s.index.Search(index.SearchParams{
		Query:         req.Query,
		From:          req.From,
		Limit:         req.Limit,
		ExcludeCount:  req.ExcludeCount,
		ExcludeDocs:   req.ExcludeDocs,
		FacetField:    req.FacetField,
		FacetPrefixes: req.FacetPrefixes,
	})
	if err != nil {
		s.logger.Error("search failed", zap.String("query", req.Query), zap.Error(err))
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}
	value, merr := json.Marshal(result)
	if merr != nil {
		s.logger.Error("marshal search result failed", zap.Error(merr))
		s.respond(w, protocol.ErrWrongLeader, "")
		return
	}
	s.respond(w, protocol.OK, string(value))
}
