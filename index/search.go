/*
 * Copyright 2019 The Bayard Authors.
 *
 * This file is available under the Apache License, Version 2.0.
 */

package index

import (
	"encoding/json"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/pkg/errors"
)

// facetTermLimit bounds how many distinct facet terms a single query
// collects before prefix filtering.
const facetTermLimit = 1000

// NamedDoc is a document serialized as field name to list of values.
type NamedDoc map[string][]interface{}

// ScoredNamedFieldDocument is one search hit.
type ScoredNamedFieldDocument struct {
	Fields NamedDoc `json:"fields"`
	Score  float64  `json:"score"`
}

// SearchResult is the search reply payload. Count is -1 when the
// caller excluded counting.
type SearchResult struct {
	Docs  []ScoredNamedFieldDocument   `json:"docs"`
	Count int64                        `json:"count"`
	Facet map[string]map[string]uint64 `json:"facet"`
}

// SearchParams parametrize Search. From and Limit page the
// score-ordered hits: the collector retrieves the first From+Limit and
// the response drops the first From.
type SearchParams struct {
	Query         string
	From          uint64
	Limit         uint64
	ExcludeCount  bool
	ExcludeDocs   bool
	FacetField    string
	FacetPrefixes []string
}

// Get retrieves the document whose unique key equals docID and returns
// its named-document JSON. A missing document yields an empty document,
// not an error. Reads run against a fresh snapshot of the last commit
// and never block the writer.
func (i *Index) Get(docID string) (string, error) {
	q := bleve.NewDocIDQuery([]string{docID})
	req := bleve.NewSearchRequestOptions(q, 1, 0, false)
	req.Fields = []string{"*"}

	res, err := i.index.Search(req)
	if err != nil {
		return "", errors.Wrap(err, "get")
	}
	doc := NamedDoc{}
	if len(res.Hits) > 0 {
		doc = namedDoc(res.Hits[0].Fields)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal document")
	}
	return string(data), nil
}

// Search runs a full-text query and collects up to three fruits in a
// single pass: the total count, the top From+Limit documents, and the
// facet counts for FacetField restricted to FacetPrefixes.
func (i *Index) Search(p SearchParams) (*SearchResult, error) {
	var q query.Query
	if p.Query == "*" {
		q = bleve.NewMatchAllQuery()
	} else {
		q = bleve.NewQueryStringQuery(p.Query)
	}

	size := int(p.From + p.Limit)
	if p.ExcludeDocs {
		size = 0
	}
	req := bleve.NewSearchRequestOptions(q, size, 0, false)
	req.Fields = []string{"*"}
	if p.FacetField != "" {
		req.AddFacet(p.FacetField, bleve.NewFacetRequest(p.FacetField, facetTermLimit))
	}

	res, err := i.index.Search(req)
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}

	count := int64(-1)
	if !p.ExcludeCount {
		count = int64(res.Total)
	}

	docs := []ScoredNamedFieldDocument{}
	if !p.ExcludeDocs {
		for pos, hit := range res.Hits {
			if uint64(pos) < p.From {
				continue
			}
			docs = append(docs, ScoredNamedFieldDocument{
				Fields: namedDoc(hit.Fields),
				Score:  hit.Score,
			})
		}
	}

	facet := map[string]map[string]uint64{}
	if p.FacetField != "" {
		kv := map[string]uint64{}
		if fr, ok := res.Facets[p.FacetField]; ok && fr.Terms != nil {
			for _, tf := range fr.Terms.Terms() {
				for _, prefix := range p.FacetPrefixes {
					if facetMatchesPrefix(tf.Term, prefix) {
						kv[tf.Term] += uint64(tf.Count)
						break
					}
				}
			}
		}
		facet[p.FacetField] = kv
	}

	return &SearchResult{Docs: docs, Count: count, Facet: facet}, nil
}

// namedDoc normalizes a stored-field map to field name -> list of
// values.
func namedDoc(fields map[string]interface{}) NamedDoc {
	doc := make(NamedDoc, len(fields))
	for name, value := range fields {
		if values, ok := value.([]interface{}); ok {
			doc[name] = values
		} else {
			doc[name] = []interface{}{value}
		}
	}
	return doc
}

// facetMatchesPrefix reports whether a hierarchical facet term falls
// under prefix: /a matches /a and /a/1, but not /ab.
func facetMatchesPrefix(term, prefix string) bool {
	if term == prefix {
		return true
	}
	return strings.HasPrefix(term, strings.TrimSuffix(prefix, "/")+"/")
}
