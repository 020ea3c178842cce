// Package indexer makes committed chat messages searchable. It is a
// fire-and-forget collaborator: callers log failures and move on.
package indexer

import (
	"context"
	"fmt"
	"strconv"
)

// Document is one chat message to index.
type Document struct {
	MessageID   int64
	Content     string
	UserID      int64
	ChannelID   int64
	ThreadID    *int64
	DisplayName string
}

// VectorID is the id under which a message is stored.
func (d Document) VectorID() string {
	return "msg-" + strconv.FormatInt(d.MessageID, 10)
}

// Indexer stores a message for later retrieval.
type Indexer interface {
	IndexChatMessage(ctx context.Context, doc Document) error
}

// Noop discards every document. It is used when no embedding provider is
// configured.
type Noop struct{}

// IndexChatMessage discards doc.
func (Noop) IndexChatMessage(context.Context, Document) error { return nil }

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Func adapts a function to Indexer.
type Func func(ctx context.Context, doc Document) error

// IndexChatMessage calls f.
func (f Func) IndexChatMessage(ctx context.Context, doc Document) error {
	if f == nil {
		return fmt.Errorf("indexer func is nil")
	}
	return f(ctx, doc)
}
