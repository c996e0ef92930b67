/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package main

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fulmicoton/bayard/client"
	"github.com/fulmicoton/bayard/protocol"
)

var clientFlags struct {
	servers []string
}

func newClerk() *client.Clerk {
	return client.NewClerk(clientFlags.servers, rand.Uint64())
}

func printValue(value string, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

var putCmd = &cobra.Command{
	Use:   "put DOC_ID FIELDS_JSON",
	Short: "Add or replace a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(args[1]), &fields); err != nil {
			return errors.Wrap(err, "parse fields")
		}
		return printValue(newClerk().Put(args[0], fields))
	},
}

var getCmd = &cobra.Command{
	Use:   "get DOC_ID",
	Short: "Retrieve a document by its unique key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Get(args[0]))
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete DOC_ID",
	Short: "Delete a document by its unique key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Delete(args[0]))
	},
}

var searchFlags struct {
	from          uint64
	limit         uint64
	excludeCount  bool
	excludeDocs   bool
	facetField    string
	facetPrefixes []string
}

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Run a full-text query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Search(protocol.SearchRequest{
			Query:         args[0],
			From:          searchFlags.from,
			Limit:         searchFlags.limit,
			ExcludeCount:  searchFlags.excludeCount,
			ExcludeDocs:   searchFlags.excludeDocs,
			FacetField:    searchFlags.facetField,
			FacetPrefixes: searchFlags.facetPrefixes,
		}))
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Publish staged mutations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Commit())
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Discard staged mutations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Rollback())
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Report the searchable segment meta",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Merge())
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show the index schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Schema())
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Show the peer registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Peers())
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show server metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Metrics())
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe server liveness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printValue(newClerk().Probe())
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave NODE_ID",
	Short: "Remove a node from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id uint64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return errors.Wrap(err, "parse node id")
		}
		if err := newClerk().Leave(id); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

func init() {
	searchCmd.Flags().Uint64Var(&searchFlags.from, "from", 0, "offset of the first hit")
	searchCmd.Flags().Uint64Var(&searchFlags.limit, "limit", 10, "number of hits after the offset")
	searchCmd.Flags().BoolVar(&searchFlags.excludeCount, "exclude-count", false, "skip the total count")
	searchCmd.Flags().BoolVar(&searchFlags.excludeDocs, "exclude-docs", false, "skip the documents")
	searchCmd.Flags().StringVar(&searchFlags.facetField, "facet-field", "", "facet field")
	searchCmd.Flags().StringSliceVar(&searchFlags.facetPrefixes, "facet-prefix", nil, "facet prefixes to count")

	for _, cmd := range []*cobra.Command{
		putCmd, getCmd, deleteCmd, searchCmd, commitCmd, rollbackCmd,
		mergeCmd, schemaCmd, peersCmd, metricsCmd, probeCmd, leaveCmd,
	} {
		cmd.Flags().StringSliceVar(&clientFlags.servers, "servers", []string{"127.0.0.1:5000"}, "server addresses")
		rootCmd.AddCommand(cmd)
	}
}
