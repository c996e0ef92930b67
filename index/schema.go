/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

// Package index wraps the inverted-index engine behind the narrow API
// the state machine needs: writer operations returning opstamps, reader
// snapshots per query, segment merging, and schema introspection.
package index

import (
	"encoding/json"

	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/pkg/errors"
)

// Field types accepted by the schema.
const (
	FieldTypeText  = "text"
	FieldTypeFacet = "hierarchical_facet"
	FieldTypeU64   = "u64"
	FieldTypeI64   = "i64"
	FieldTypeF64   = "f64"
)

// Tokenizer names accepted for text fields.
const (
	TokenizerRaw     = "raw"
	TokenizerEnStem  = "en_stem"
	TokenizerDefault = "default"
)

// IndexingOptions describe how a text field is indexed. Record selects
// how much positional information is kept; Tokenizer selects the
// analysis chain.
type IndexingOptions struct {
	Record    string `json:"record"`
	Tokenizer string `json:"tokenizer"`
}

// FieldOptions carry the per-field flags. A text field with a nil
// Indexing block is stored-only and never matches a query.
type FieldOptions struct {
	Indexing *IndexingOptions `json:"indexing,omitempty"`
	Stored   bool             `json:"stored"`
}

// FieldEntry is one field of the schema.
type FieldEntry struct {
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	Options FieldOptions `json:"options"`
}

// Schema is the ordered field set of an index, parsed from the JSON
// schema file at bootstrap and authoritative thereafter.
type Schema struct {
	entries []FieldEntry
	byName  map[string]int
}

// ParseSchema parses the JSON schema representation: an array of field
// entries.
func ParseSchema(data []byte) (*Schema, error) {
	var entries []FieldEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "parse schema")
	}
	if len(entries) == 0 {
		return nil, errors.New("schema defines no fields")
	}
	byName := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, errors.Errorf("schema field %d has no name", i)
		}
		if _, ok := byName[e.Name]; ok {
			return nil, errors.Errorf("schema field %q defined twice", e.Name)
		}
		switch e.Type {
		case FieldTypeText, FieldTypeFacet, FieldTypeU64, FieldTypeI64, FieldTypeF64:
		default:
			return nil, errors.Errorf("schema field %q has unknown type %q", e.Name, e.Type)
		}
		byName[e.Name] = i
	}
	return &Schema{entries: entries, byName: byName}, nil
}

// Fields returns the schema's field entries in definition order.
func (s *Schema) Fields() []FieldEntry { return s.entries }

// Field looks a field up by name.
func (s *Schema) Field(name string) (FieldEntry, bool) {
	i, ok := s.byName[name]
	if !ok {
		return FieldEntry{}, false
	}
	return s.entries[i], true
}

// DefaultSearchFields returns every text field whose indexing options
// are set. These are the default fields of the query parser.
func (s *Schema) DefaultSearchFields() []string {
	var fields []string
	for _, e := range s.entries {
		if e.Type == FieldTypeText && e.Options.Indexing != nil {
			fields = append(fields, e.Name)
		}
	}
	return fields
}

// MarshalJSON renders the schema back to its canonical JSON form.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.entries)
}

// ParseDocument validates a named-field map against the schema. Values
// pass through untouched; a field name the schema does not define is an
// error.
func (s *Schema) ParseDocument(fields map[string]interface{}) (map[string]interface{}, error) {
	doc := make(map[string]interface{}, len(fields))
	for name, value := range fields {
		if _, ok := s.byName[name]; !ok {
			return nil, errors.Errorf("field %q is not defined in the schema", name)
		}
		doc[name] = value
	}
	return doc, nil
}

// buildMapping translates the schema into the engine's index mapping.
// Facet fields are keyword-indexed and kept out of the composite field
// so they never match full-text queries; indexed text fields feed the
// composite field the query parser searches by default.
func (s *Schema) buildMapping() (mapping.IndexMapping, error) {
	im := mapping.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	doc := mapping.NewDocumentMapping()
	for _, e := range s.entries {
		switch e.Type {
		case FieldTypeText:
			fm := mapping.NewTextFieldMapping()
			fm.Store = e.Options.Stored
			if e.Options.Indexing == nil {
				fm.Index = false
				fm.IncludeInAll = false
			} else {
				fm.Index = true
				fm.IncludeInAll = true
				fm.IncludeTermVectors = e.Options.Indexing.Record == "position"
				analyzer, err := analyzerForTokenizer(e.Options.Indexing.Tokenizer)
				if err != nil {
					return nil, errors.Wrapf(err, "field %q", e.Name)
				}
				fm.Analyzer = analyzer
			}
			doc.AddFieldMappingsAt(e.Name, fm)
		case FieldTypeFacet:
			fm := mapping.NewTextFieldMapping()
			fm.Store = true
			fm.Index = true
			fm.IncludeInAll = false
			fm.Analyzer = keyword.Name
			doc.AddFieldMappingsAt(e.Name, fm)
		case FieldTypeU64, FieldTypeI64, FieldTypeF64:
			fm := mapping.NewNumericFieldMapping()
			fm.Store = e.Options.Stored
			fm.Index = e.Options.Indexing != nil
			doc.AddFieldMappingsAt(e.Name, fm)
		}
	}
	im.DefaultMapping = doc
	return im, nil
}

func analyzerForTokenizer(tokenizer string) (string, error) {
	switch tokenizer {
	case TokenizerRaw:
		return keyword.Name, nil
	case TokenizerEnStem:
		return en.AnalyzerName, nil
	case TokenizerDefault, "":
		return standard.Name, nil
	}
	return "", errors.Errorf("unknown tokenizer %q", tokenizer)
}
