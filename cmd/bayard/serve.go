/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package main

import (
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmicoton/bayard/client"
	"github.com/fulmicoton/bayard/server"
)

var serveFlags struct {
	id            uint64
	host          string
	port          int
	peers         []string
	dataDirectory string
	schemaFile    string
	uniqueKey     string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the index server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Uint64Var(&serveFlags.id, "id", 1, "node id (nonzero)")
	f.StringVar(&serveFlags.host, "host", "0.0.0.0", "listen host")
	f.IntVar(&serveFlags.port, "port", 5000, "listen port")
	f.StringSliceVar(&serveFlags.peers, "peers", nil, "seed peers as id=host:port")
	f.StringVar(&serveFlags.dataDirectory, "data-directory", "./data", "data directory")
	f.StringVar(&serveFlags.schemaFile, "schema-file", "./etc/schema.json", "schema file used when creating the index")
	f.StringVar(&serveFlags.uniqueKey, "unique-key-field-name", "id", "schema field whose value identifies a document")
	rootCmd.AddCommand(serveCmd)
}

// parsePeers parses id=host:port pairs.
func parsePeers(specs []string) (map[uint64]string, error) {
	peers := make(map[uint64]string, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed peer %q, want id=host:port", spec)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil || id == 0 {
			return nil, errors.Errorf("malformed peer id in %q", spec)
		}
		peers[id] = parts[1]
	}
	return peers, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveFlags.id == 0 {
		return errors.New("--id must be nonzero")
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	peers, err := parsePeers(serveFlags.peers)
	if err != nil {
		return err
	}

	cfg := server.Config{
		ID:                 serveFlags.id,
		Host:               serveFlags.host,
		Port:               serveFlags.port,
		Peers:              peers,
		DataDirectory:      serveFlags.dataDirectory,
		SchemaFile:         serveFlags.schemaFile,
		UniqueKeyFieldName: serveFlags.uniqueKey,
	}
	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	// Announce membership through whichever node is leading.
	addrs := []string{cfg.Addr()}
	for _, addr := range peers {
		addrs = append(addrs, addr)
	}
	ck := client.NewClerk(addrs, rand.Uint64())
	if err := ck.Join(cfg.ID, serveFlags.host, serveFlags.port); err != nil {
		logger.Error("self join failed", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	srv.Stop()
	return nil
}
