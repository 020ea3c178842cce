package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS chat_message_vectors (
	id TEXT PRIMARY KEY,
	embedding vector(%d) NOT NULL,
	metadata JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertSQL = `
INSERT INTO chat_message_vectors (id, embedding, metadata, created_at)
VALUES ($1, $2::vector, $3, $4)
ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`

// VectorStore indexes messages as embeddings in a pgvector table.
type VectorStore struct {
	db        *sql.DB
	embedder  Embedder
	dimension int
	now       func() time.Time
}

var _ Indexer = (*VectorStore)(nil)

// NewVectorStore returns an indexer writing to db. A zero dimension skips the
// size check.
func NewVectorStore(db *sql.DB, embedder Embedder, dimension int) *VectorStore {
	return &VectorStore{db: db, embedder: embedder, dimension: dimension, now: time.Now}
}

// EnsureSchema creates the vector table when missing.
func (s *VectorStore) EnsureSchema(ctx context.Context) error {
	dim := s.dimension
	if dim <= 0 {
		dim = 1536
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaSQL, dim)); err != nil {
		return fmt.Errorf("create chat_message_vectors: %w", err)
	}
	return nil
}

type vectorMetadata struct {
	Text        string `json:"text"`
	UserID      int64  `json:"userId"`
	ChannelID   int64  `json:"channelId"`
	ThreadID    *int64 `json:"threadId,omitempty"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
}

// IndexChatMessage embeds the message content and upserts it. Messages
// without text are skipped.
func (s *VectorStore) IndexChatMessage(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.Content) == "" {
		return nil
	}

	embedding, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embed message %d: %w", doc.MessageID, err)
	}
	if err := s.validateEmbedding(embedding); err != nil {
		return fmt.Errorf("embed message %d: %w", doc.MessageID, err)
	}

	now := s.now().UTC()
	metadata, err := json.Marshal(vectorMetadata{
		Text:        doc.Content,
		UserID:      doc.UserID,
		ChannelID:   doc.ChannelID,
		ThreadID:    doc.ThreadID,
		DisplayName: doc.DisplayName,
		Type:        "chat_message",
		Timestamp:   now.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, upsertSQL, doc.VectorID(), encodeEmbedding(embedding), metadata, now); err != nil {
		return fmt.Errorf("upsert vector %s: %w", doc.VectorID(), err)
	}
	return nil
}

func (s *VectorStore) validateEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding is empty")
	}
	if s.dimension > 0 && len(embedding) != s.dimension {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.dimension)
	}
	for _, v := range embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("embedding contains invalid values")
		}
	}
	return nil
}

// encodeEmbedding renders the pgvector text form, e.g. [0.1,0.2].
func encodeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
