/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

// Package protocol holds the wire types exchanged between bayard servers
// and clients. Mutations travel as an ApplyReq envelope, both over the
// RPC surface and inside committed raft entries.
package protocol

// RespErr is the error code carried by every RPC response. All
// non-success conditions collapse to ErrWrongLeader: the client's
// correct response is identical (retry, possibly elsewhere) whether the
// server was not the leader, lost the proposal, or timed out.
type RespErr string

const (
	OK             RespErr = "OK"
	ErrWrongLeader RespErr = "ErrWrongLeader"
)

// ReqType tags an ApplyReq with the operation it carries.
type ReqType string

const (
	ReqPut      ReqType = "put"
	ReqDelete   ReqType = "delete"
	ReqCommit   ReqType = "commit"
	ReqRollback ReqType = "rollback"
	ReqMerge    ReqType = "merge"
	ReqJoin     ReqType = "join"
	ReqLeave    ReqType = "leave"
)

// ApplyReq is the proposal envelope. ClientID correlates a single
// in-flight proposal with the handler waiting on its result; for
// membership ops it is the node id being added or removed.
type ApplyReq struct {
	ReqType  ReqType    `json:"req_type"`
	ClientID uint64     `json:"client_id"`
	Put      *PutReq    `json:"put,omitempty"`
	Delete   *DeleteReq `json:"delete,omitempty"`
	Join     *JoinReq   `json:"join,omitempty"`
	Leave    *LeaveReq  `json:"leave,omitempty"`
}

// PutReq adds or replaces the document identified by DocID. Fields is a
// named-field map the index schema must accept; the unique key field is
// force-written from DocID regardless of its presence in Fields.
type PutReq struct {
	DocID  string                 `json:"doc_id"`
	Fields map[string]interface{} `json:"fields"`
}

// DeleteReq removes the document identified by DocID.
type DeleteReq struct {
	DocID string `json:"doc_id"`
}

// JoinReq registers a peer address in the replicated registry.
type JoinReq struct {
	PeerID   uint64 `json:"peer_id"`
	PeerAddr string `json:"peer_addr"`
}

// LeaveReq removes a peer from the replicated registry.
type LeaveReq struct {
	PeerID uint64 `json:"peer_id"`
}

// ConfChangeReq carries a marshaled raftpb.ConfChange plus the address
// of the node being added, for the two-stage raft_conf_change RPC.
type ConfChangeReq struct {
	CC   []byte `json:"cc"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// RPCResponse is the envelope of every RPC reply. Value is an opaque
// UTF-8 payload (JSON) whose shape depends on the method.
type RPCResponse struct {
	Err   RespErr `json:"err"`
	Value string  `json:"value"`
}

// SearchRequest parametrizes the search RPC. From and Limit page the
// score-ordered hits; ExcludeCount reports -1 instead of the total;
// FacetField with FacetPrefixes requests facet counts restricted to the
// given prefixes.
type SearchRequest struct {
	Query         string   `json:"query"`
	From          uint64   `json:"from"`
	Limit         uint64   `json:"limit"`
	ExcludeCount  bool     `json:"exclude_count"`
	ExcludeDocs   bool     `json:"exclude_docs"`
	FacetField    string   `json:"facet_field"`
	FacetPrefixes []string `json:"facet_prefixes"`
}
