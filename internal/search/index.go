// Package search maintains a local full-text index over conversation
// messages so users can find past exchanges without a server round trip.
package search

import (
	"fmt"
	"log"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ChamsBouzaiene/ragline/internal/store"
)

// Result is one search hit.
type Result struct {
	MessageID      string
	ConversationID string
	Role           string
	Score          float64
	Content        string
}

// Index provides keyword search over indexed messages.
type Index struct {
	index bleve.Index
	path  string
}

// NewIndex creates or opens the message index at path. A corrupted index is
// deleted and recreated; search is rebuildable state, never the source of
// truth.
func NewIndex(path string) (*Index, error) {
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create message index: %w", err)
		}
	} else if err != nil {
		log.Printf("message index appears corrupted (%v), recreating", err)
		if index != nil {
			index.Close()
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to remove corrupted index: %w", err)
		}
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate message index: %w", err)
		}
	}

	return &Index{index: index, path: path}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	msgMapping := bleve.NewDocumentMapping()

	// Identity fields are exact-match filters, not analyzed text.
	for _, name := range []string{"message_id", "conversation_id", "owner_id", "role"} {
		field := bleve.NewTextFieldMapping()
		field.Analyzer = keyword.Name
		field.Store = true
		field.Index = true
		msgMapping.AddFieldMappingsAt(name, field)
	}

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = standard.Name
	contentField.Store = true
	contentField.Index = true
	msgMapping.AddFieldMappingsAt("content", contentField)

	indexMapping.DefaultMapping = msgMapping
	return indexMapping
}

// IndexMessage adds or replaces one message document. Placeholder bodies are
// skipped; they carry no searchable content.
func (x *Index) IndexMessage(ownerID, conversationID string, msg store.Message) error {
	if msg.Content == store.PlaceholderContent || msg.Content == "" {
		return nil
	}
	doc := map[string]interface{}{
		"message_id":      msg.ID,
		"conversation_id": conversationID,
		"owner_id":        ownerID,
		"role":            string(msg.Role),
		"content":         msg.Content,
	}
	return x.index.Index(msg.ID, doc)
}

// IndexConversation indexes every message of a conversation in one batch.
func (x *Index) IndexConversation(conv store.Conversation) error {
	batch := x.index.NewBatch()
	for _, msg := range conv.Messages {
		if msg.Content == store.PlaceholderContent || msg.Content == "" {
			continue
		}
		doc := map[string]interface{}{
			"message_id":      msg.ID,
			"conversation_id": conv.ID,
			"owner_id":        conv.OwnerID,
			"role":            string(msg.Role),
			"content":         msg.Content,
		}
		if err := batch.Index(msg.ID, doc); err != nil {
			return fmt.Errorf("failed to add message %s to batch: %w", msg.ID, err)
		}
	}
	return x.index.Batch(batch)
}

// DeleteMessage removes one message document.
func (x *Index) DeleteMessage(messageID string) error {
	return x.index.Delete(messageID)
}

// DeleteConversation removes every document belonging to a conversation.
func (x *Index) DeleteConversation(conversationID string) error {
	q := bleve.NewTermQuery(conversationID)
	q.SetField("conversation_id")

	req := bleve.NewSearchRequest(q)
	req.Size = 1000
	req.Fields = []string{"message_id"}

	res, err := x.index.Search(req)
	if err != nil {
		return fmt.Errorf("failed to find conversation documents: %w", err)
	}

	batch := x.index.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	return x.index.Batch(batch)
}

// Search returns the top k messages matching query, restricted to documents
// owned by ownerID or the anonymous sentinel.
func (x *Index) Search(ownerID, query string, k int) ([]Result, error) {
	match := bleve.NewMatchQuery(query)
	match.SetField("content")

	ownerQuery := bleve.NewDisjunctionQuery()
	for _, owner := range []string{ownerID, store.AnonymousOwner} {
		tq := bleve.NewTermQuery(owner)
		tq.SetField("owner_id")
		ownerQuery.AddQuery(tq)
	}

	combined := bleve.NewConjunctionQuery(match, ownerQuery)

	req := bleve.NewSearchRequest(combined)
	req.Size = k
	req.Fields = []string{"conversation_id", "role", "content"}

	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("message search failed: %w", err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := Result{MessageID: hit.ID, Score: hit.Score}
		if v, ok := hit.Fields["conversation_id"].(string); ok {
			r.ConversationID = v
		}
		if v, ok := hit.Fields["role"].(string); ok {
			r.Role = v
		}
		if v, ok := hit.Fields["content"].(string); ok {
			r.Content = v
		}
		results = append(results, r)
	}
	return results, nil
}

// Close closes the underlying index.
func (x *Index) Close() error {
	return x.index.Close()
}
