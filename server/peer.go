/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package server

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.etcd.io/etcd/server/v3/etcdserver/api/snap"
	"go.etcd.io/etcd/server/v3/wal"
	"go.etcd.io/etcd/server/v3/wal/walpb"
	"go.uber.org/zap"
)

// PeerMessageType tags a PeerMessage.
type PeerMessageType int

const (
	// MsgPropose carries a serialized ApplyReq to append to the log.
	MsgPropose PeerMessageType = iota
	// MsgRaft carries a raw consensus message from another peer.
	MsgRaft
	// MsgConfChange carries a cluster membership change.
	MsgConfChange
)

// PeerMessage is the tagged inbound message of the consensus adapter.
type PeerMessage struct {
	Type       PeerMessageType
	Data       []byte
	Message    raftpb.Message
	ConfChange raftpb.ConfChange
}

const (
	peerChanCapacity  = 100
	peerTickInterval  = 100 * time.Millisecond
	peerElectionTick  = 10
	peerHeartbeatTick = 1
)

// Peer wraps the consensus library. It accepts proposals, raw messages
// and configuration changes on messageCh; emits messages the consensus
// needs sent to other peers on sendC; and emits committed entries, one
// per log position in log order, on applyC. Every entry published on
// applyC has been durably agreed by a quorum. Conf-change entries are
// applied to the raft node here, before publication, so consumers never
// touch the node.
type Peer struct {
	id     uint64
	logger *zap.Logger

	node        raft.Node
	storage     *raft.MemoryStorage
	wal         *wal.WAL
	snapshotter *snap.Snapshotter

	confState    raftpb.ConfState
	appliedIndex uint64

	messageCh chan PeerMessage
	sendC     chan raftpb.Message
	applyC    chan raftpb.Entry

	stopc chan struct{}
	donec chan struct{}
}

// NewPeer opens or creates the consensus state under raftDir. A node
// restarting from an existing log, or starting fresh with seed peers to
// join, restarts raft and learns membership from the log; only the
// first boot of a solo node bootstraps a new single-member cluster.
func NewPeer(id uint64, raftDir string, join bool, logger *zap.Logger) (*Peer, error) {
	waldir := filepath.Join(raftDir, "wal")
	snapdir := filepath.Join(raftDir, "snap")

	if err := os.MkdirAll(snapdir, 0750); err != nil {
		return nil, errors.Wrap(err, "create snapshot dir")
	}
	snapshotter := snap.New(logger, snapdir)

	oldwal := wal.Exist(waldir)
	if !oldwal {
		if err := os.MkdirAll(waldir, 0750); err != nil {
			return nil, errors.Wrap(err, "create wal dir")
		}
		w, err := wal.Create(logger, waldir, nil)
		if err != nil {
			return nil, errors.Wrap(err, "create wal")
		}
		w.Close()
	}

	snapshot, err := snapshotter.Load()
	if err != nil && err != snap.ErrNoSnapshot {
		return nil, errors.Wrap(err, "load snapshot")
	}
	walsnap := walpb.Snapshot{}
	if snapshot != nil {
		walsnap.Index, walsnap.Term = snapshot.Metadata.Index, snapshot.Metadata.Term
	}
	w, err := wal.Open(logger, waldir, walsnap)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	_, st, ents, err := w.ReadAll()
	if err != nil {
		w.Close()
		return nil, errors.Wrap(err, "replay wal")
	}

	storage := raft.NewMemoryStorage()
	p := &Peer{
		id:          id,
		logger:      logger,
		storage:     storage,
		wal:         w,
		snapshotter: snapshotter,
		messageCh:   make(chan PeerMessage, peerChanCapacity),
		sendC:       make(chan raftpb.Message, peerChanCapacity),
		applyC:      make(chan raftpb.Entry, peerChanCapacity),
		stopc:       make(chan struct{}),
		donec:       make(chan struct{}),
	}
	if snapshot != nil {
		if err := storage.ApplySnapshot(*snapshot); err != nil {
			w.Close()
			return nil, errors.Wrap(err, "apply snapshot")
		}
		p.confState = snapshot.Metadata.ConfState
		p.appliedIndex = snapshot.Metadata.Index
	}
	if err := storage.SetHardState(st); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "restore hard state")
	}
	if err := storage.Append(ents); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "restore entries")
	}

	cfg := &raft.Config{
		ID:                        id,
		ElectionTick:              peerElectionTick,
		HeartbeatTick:             peerHeartbeatTick,
		Storage:                   storage,
		MaxSizePerMsg:             1024 * 1024,
		MaxInflightMsgs:           256,
		MaxUncommittedEntriesSize: 1 << 30,
	}
	if oldwal || join {
		p.node = raft.RestartNode(cfg)
	} else {
		p.node = raft.StartNode(cfg, []raft.Peer{{ID: id}})
	}
	return p, nil
}

// MessageCh is the inbound proposal/message/conf-change channel.
func (p *Peer) MessageCh() chan<- PeerMessage { return p.messageCh }

// SendC emits consensus messages addressed to other peers by node id.
func (p *Peer) SendC() <-chan raftpb.Message { return p.sendC }

// ApplyC emits committed entries in log order. It is closed on Stop,
// after in-flight entries have drained.
func (p *Peer) ApplyC() <-chan raftpb.Entry { return p.applyC }

// Activate starts the consensus loops. Inbound traffic is served on
// its own goroutine: Propose and Step rendezvous with the raft node,
// which may itself be waiting on the Ready consumer, so they must not
// run on the Ready loop.
func (p *Peer) Activate() {
	go p.serveMessages()
	go p.run()
}

// Stop terminates the consensus loop, syncs the log to disk, and
// closes applyC so the apply loop can finish its in-flight work.
func (p *Peer) Stop() {
	close(p.stopc)
	<-p.donec
}

// serveMessages drains the inbound channel into the raft node.
// Proposals carry a bounded deadline: with no elected leader they are
// dropped and the waiting handler times out into ErrWrongLeader.
func (p *Peer) serveMessages() {
	for {
		select {
		case pm := <-p.messageCh:
			ctx, cancel := context.WithTimeout(context.Background(), proposalTimeout)
			switch pm.Type {
			case MsgPropose:
				if err := p.node.Propose(ctx, pm.Data); err != nil {
					p.logger.Error("propose failed", zap.Error(err))
				}
			case MsgRaft:
				if err := p.node.Step(ctx, pm.Message); err != nil {
					p.logger.Error("step message failed", zap.Error(err))
				}
			case MsgConfChange:
				if err := p.node.ProposeConfChange(ctx, pm.ConfChange); err != nil {
					p.logger.Error("propose conf change failed", zap.Error(err))
				}
			}
			cancel()

		case <-p.stopc:
			return
		}
	}
}

func (p *Peer) run() {
	defer close(p.donec)
	defer close(p.applyC)
	defer close(p.sendC)
	defer p.wal.Close()

	ticker := time.NewTicker(peerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.node.Tick()

		case rd := <-p.node.Ready():
			// Persist to the WAL before exposing anything downstream.
			if err := p.wal.Save(rd.HardState, rd.Entries); err != nil {
				p.logger.Fatal("wal save failed", zap.Error(err))
			}
			if !raft.IsEmptySnap(rd.Snapshot) {
				p.saveSnap(rd.Snapshot)
				if err := p.storage.ApplySnapshot(rd.Snapshot); err != nil {
					p.logger.Fatal("apply snapshot failed", zap.Error(err))
				}
				p.confState = rd.Snapshot.Metadata.ConfState
				p.appliedIndex = rd.Snapshot.Metadata.Index
			}
			if err := p.storage.Append(rd.Entries); err != nil {
				p.logger.Fatal("append entries failed", zap.Error(err))
			}
			for _, m := range rd.Messages {
				select {
				case p.sendC <- m:
				case <-p.stopc:
					p.node.Stop()
					return
				}
			}
			if !p.publishEntries(rd.CommittedEntries) {
				p.node.Stop()
				return
			}
			p.node.Advance()

		case <-p.stopc:
			p.node.Stop()
			return
		}
	}
}

// publishEntries applies conf-change entries to the raft node and
// forwards every newly committed entry to applyC. Returns false when
// the peer is stopping.
func (p *Peer) publishEntries(ents []raftpb.Entry) bool {
	for _, entry := range ents {
		if entry.Index <= p.appliedIndex {
			continue
		}
		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				p.logger.Fatal("unmarshal conf change", zap.Error(err))
			}
			p.confState = *p.node.ApplyConfChange(cc)
		}
		p.appliedIndex = entry.Index

		select {
		case p.applyC <- entry:
		case <-p.stopc:
			return false
		}
	}
	return true
}

func (p *Peer) saveSnap(s raftpb.Snapshot) {
	walsnap := walpb.Snapshot{
		Index:     s.Metadata.Index,
		Term:      s.Metadata.Term,
		ConfState: &s.Metadata.ConfState,
	}
	if err := p.snapshotter.SaveSnap(s); err != nil {
		p.logger.Fatal("save snapshot failed", zap.Error(err))
	}
	if err := p.wal.SaveSnapshot(walsnap); err != nil {
		p.logger.Fatal("wal snapshot failed", zap.Error(err))
	}
	if err := p.wal.ReleaseLockTo(s.Metadata.Index); err != nil {
		p.logger.Fatal("release wal lock failed", zap.Error(err))
	}
}
