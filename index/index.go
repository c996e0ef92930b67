/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// schemaFileName is the copy of the schema kept inside the index
// directory. Once an index exists its stored schema is authoritative;
// the bootstrap schema file is only consulted at creation.
const schemaFileName = "schema.json"

// Index is the engine collaborator: a single non-re-entrant writer over
// an on-disk inverted index, plus per-query reader snapshots. All
// mutations must come through the apply loop, which owns exclusive
// access; the mutex only guards against misuse, not for throughput.
type Index struct {
	logger    *zap.Logger
	schema    *Schema
	uniqueKey string
	index     bleve.Index

	mu       sync.Mutex
	batch    *bleve.Batch
	opstamp  uint64
	committed uint64
}

// Open opens the index at dir, creating it from schemaFile when dir
// does not yet exist. uniqueKey names the schema field whose value
// identifies a document.
func Open(dir, schemaFile, uniqueKey string, logger *zap.Logger) (*Index, error) {
	var idx bleve.Index
	var schema *Schema

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		data, err := os.ReadFile(schemaFile)
		if err != nil {
			return nil, errors.Wrap(err, "read schema file")
		}
		schema, err = ParseSchema(data)
		if err != nil {
			return nil, err
		}
		m, err := schema.buildMapping()
		if err != nil {
			return nil, err
		}
		idx, err = bleve.New(dir, m)
		if err != nil {
			return nil, errors.Wrap(err, "create index")
		}
		canonical, err := json.Marshal(schema)
		if err != nil {
			return nil, errors.Wrap(err, "marshal schema")
		}
		if err := os.WriteFile(filepath.Join(dir, schemaFileName), canonical, 0644); err != nil {
			return nil, errors.Wrap(err, "store schema")
		}
		logger.Info("created index", zap.String("dir", dir))
	} else {
		idx, err = bleve.Open(dir)
		if err != nil {
			return nil, errors.Wrap(err, "open index")
		}
		data, err := os.ReadFile(filepath.Join(dir, schemaFileName))
		if err != nil {
			idx.Close()
			return nil, errors.Wrap(err, "read stored schema")
		}
		schema, err = ParseSchema(data)
		if err != nil {
			idx.Close()
			return nil, err
		}
		logger.Info("opened index", zap.String("dir", dir))
	}

	entry, ok := schema.Field(uniqueKey)
	if !ok {
		idx.Close()
		return nil, errors.Errorf("unique key field %q is not defined in the schema", uniqueKey)
	}
	if entry.Type != FieldTypeText || entry.Options.Indexing == nil {
		idx.Close()
		return nil, errors.Errorf("unique key field %q must be an indexed text field", uniqueKey)
	}

	return &Index{
		logger:    logger,
		schema:    schema,
		uniqueKey: uniqueKey,
		index:     idx,
		batch:     idx.NewBatch(),
	}, nil
}

// Schema returns the parsed schema.
func (i *Index) Schema() *Schema { return i.schema }

// SchemaJSON returns the schema's canonical JSON representation.
func (i *Index) SchemaJSON() (string, error) {
	data, err := json.Marshal(i.schema)
	if err != nil {
		return "", errors.Wrap(err, "marshal schema")
	}
	return string(data), nil
}

// UniqueKeyField returns the name of the unique key field.
func (i *Index) UniqueKeyField() string { return i.uniqueKey }

// Put stages a replacement of the document identified by docID: the
// delete on the unique key is enqueued before the add, so replaying a
// Put for the same id removes the prior instance. The unique key field
// is force-written from docID. Returns the mutation's opstamp.
func (i *Index) Put(docID string, fields map[string]interface{}) (uint64, error) {
	doc, err := i.schema.ParseDocument(fields)
	if err != nil {
		return 0, err
	}
	doc[i.uniqueKey] = docID

	i.mu.Lock()
	defer i.mu.Unlock()
	i.batch.Delete(docID)
	if err := i.batch.Index(docID, doc); err != nil {
		return 0, errors.Wrap(err, "stage document")
	}
	i.opstamp++
	return i.opstamp, nil
}

// Delete stages a delete on the unique key. Returns the mutation's
// opstamp.
func (i *Index) Delete(docID string) (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.batch.Delete(docID)
	i.opstamp++
	return i.opstamp, nil
}

// Commit flushes the staged mutations and publishes them so new
// readers observe them. Returns the commit's opstamp. On failure the
// staged batch is left in place.
func (i *Index) Commit() (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.index.Batch(i.batch); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	i.batch.Reset()
	i.opstamp++
	i.committed = i.opstamp
	return i.opstamp, nil
}

// Rollback discards the staged mutations. The opstamp counter returns
// to the last committed stamp, which is also the return value.
func (i *Index) Rollback() (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.batch.Reset()
	i.opstamp = i.committed
	return i.committed, nil
}

// Merge snapshots the searchable state and reports its segment meta
// (document count and engine index stats). It does not merge segments
// itself: the engine runs its own background merge planner over
// committed segments and schedules consolidation on its own. When
// nothing is searchable it reports merged == false and leaves committed
// state untouched.
func (i *Index) Merge() (map[string]interface{}, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	docCount, err := i.index.DocCount()
	if err != nil {
		return nil, false, errors.Wrap(err, "segment snapshot")
	}
	if docCount == 0 {
		return nil, false, nil
	}

	meta := map[string]interface{}{
		"max_doc": docCount,
	}
	if stats := i.index.StatsMap(); stats != nil {
		if indexStats, ok := stats["index"]; ok {
			meta["index"] = indexStats
		}
	}
	return meta, true, nil
}

// Close releases the index. Staged, uncommitted mutations are lost.
func (i *Index) Close() error {
	return i.index.Close()
}
