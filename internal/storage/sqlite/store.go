// Package sqlite persists document metadata and chunk payloads.
package sqlite

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

type Store struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite store initialized", zap.String("path", dbPath))

	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		byte_size INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		vector BLOB,
		token_estimate INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON document_chunks(doc_id, chunk_index);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// Lock returns the mutex serializing lifecycle operations for one document.
// Different documents lock independently.
func (s *Store) Lock(docID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	mu, ok := s.locks[docID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[docID] = mu
	}
	return mu
}

func (s *Store) releaseLock(docID string) {
	s.locksMu.Lock()
	delete(s.locks, docID)
	s.locksMu.Unlock()
}

func (s *Store) CreateDocument(doc *models.Document) error {
	query := `
		INSERT INTO documents (id, filename, mime_type, byte_size, status, error, chunk_count, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		doc.ID,
		doc.Filename,
		doc.MimeType,
		doc.ByteSize,
		string(doc.Status),
		doc.Error,
		doc.ChunkCount,
		doc.Fingerprint,
		doc.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document created",
		zap.String("doc_id", doc.ID),
		zap.String("filename", doc.Filename),
	)
	return nil
}

func (s *Store) GetDocument(id string) (*models.Document, error) {
	query := `
		SELECT id, filename, mime_type, byte_size, status, error, chunk_count, fingerprint, created_at
		FROM documents WHERE id = ?
	`

	var doc models.Document
	var status string
	var createdAt int64

	err := s.db.QueryRow(query, id).Scan(
		&doc.ID,
		&doc.Filename,
		&doc.MimeType,
		&doc.ByteSize,
		&status,
		&doc.Error,
		&doc.ChunkCount,
		&doc.Fingerprint,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Status = models.DocumentStatus(status)
	doc.CreatedAt = time.Unix(createdAt, 0)

	return &doc, nil
}

func (s *Store) ListDocuments() ([]models.Document, error) {
	query := `
		SELECT id, filename, mime_type, byte_size, status, error, chunk_count, fingerprint, created_at
		FROM documents ORDER BY created_at DESC, id
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		var status string
		var createdAt int64

		err := rows.Scan(
			&doc.ID,
			&doc.Filename,
			&doc.MimeType,
			&doc.ByteSize,
			&status,
			&doc.Error,
			&doc.ChunkCount,
			&doc.Fingerprint,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		doc.Status = models.DocumentStatus(status)
		doc.CreatedAt = time.Unix(createdAt, 0)
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

// UpdateStatus transitions a document's lifecycle state, enforcing the
// forward-only invariant. errMsg is recorded only for failed transitions.
func (s *Store) UpdateStatus(id string, status models.DocumentStatus, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM documents WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	if !models.CanTransition(models.DocumentStatus(current), status) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidStateTransition, current, status)
	}

	if status != models.StatusFailed {
		errMsg = ""
	}

	if _, err := tx.Exec(
		`UPDATE documents SET status = ?, error = ? WHERE id = ?`,
		string(status), errMsg, id,
	); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}

	logger.Debug("Document status updated",
		zap.String("doc_id", id),
		zap.String("status", string(status)),
	)
	return nil
}

// SetIngestResult records the chunk count and embedding fingerprint once a
// document's chunks are stored.
func (s *Store) SetIngestResult(id string, chunkCount int, fingerprint string) error {
	res, err := s.db.Exec(
		`UPDATE documents SET chunk_count = ?, fingerprint = ? WHERE id = ?`,
		chunkCount, fingerprint, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record ingest result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *Store) InsertChunks(chunks []models.Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO document_chunks (id, doc_id, chunk_index, text, vector, token_estimate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		_, err := stmt.Exec(
			chunk.ID,
			chunk.DocID,
			chunk.ChunkIndex,
			chunk.Text,
			vectorToBlob(chunk.Vector),
			chunk.TokenEstimate,
			chunk.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}

	return nil
}

func (s *Store) GetChunk(id string) (*models.Chunk, error) {
	query := `
		SELECT id, doc_id, chunk_index, text, vector, token_estimate, created_at
		FROM document_chunks WHERE id = ?
	`

	var chunk models.Chunk
	var blob []byte
	var createdAt int64

	err := s.db.QueryRow(query, id).Scan(
		&chunk.ID,
		&chunk.DocID,
		&chunk.ChunkIndex,
		&chunk.Text,
		&blob,
		&chunk.TokenEstimate,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}

	chunk.Vector = blobToVector(blob)
	chunk.CreatedAt = time.Unix(createdAt, 0)

	return &chunk, nil
}

func (s *Store) GetChunksByDocument(docID string) ([]models.Chunk, error) {
	query := `
		SELECT id, doc_id, chunk_index, text, vector, token_estimate, created_at
		FROM document_chunks WHERE doc_id = ? ORDER BY chunk_index
	`

	rows, err := s.db.Query(query, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		var blob []byte
		var createdAt int64

		err := rows.Scan(
			&chunk.ID,
			&chunk.DocID,
			&chunk.ChunkIndex,
			&chunk.Text,
			&blob,
			&chunk.TokenEstimate,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		chunk.Vector = blobToVector(blob)
		chunk.CreatedAt = time.Unix(createdAt, 0)
		chunks = append(chunks, chunk)
	}

	return chunks, rows.Err()
}

// DeleteDocument removes the document record and its chunks in one
// transaction.
func (s *Store) DeleteDocument(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}

	if _, err := tx.Exec(`DELETE FROM document_chunks WHERE doc_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.releaseLock(id)

	logger.Info("Document deleted", zap.String("doc_id", id))
	return nil
}

type exportRecord struct {
	Document models.Document `json:"document"`
	Chunks   []models.Chunk  `json:"chunks"`
}

// Export writes every document and its chunks, in chunk order, as a JSON
// stream. Re-importing the stream reconstructs identical ordering.
func (s *Store) Export(w io.Writer) error {
	docs, err := s.ListDocuments()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	for _, doc := range docs {
		chunks, err := s.GetChunksByDocument(doc.ID)
		if err != nil {
			return err
		}
		if err := enc.Encode(exportRecord{Document: doc, Chunks: chunks}); err != nil {
			return fmt.Errorf("failed to encode export record: %w", err)
		}
	}
	return nil
}

// Import reads a stream produced by Export. Documents that already exist are
// skipped.
func (s *Store) Import(r io.Reader) (int, error) {
	imported := 0
	dec := json.NewDecoder(r)

	for {
		var rec exportRecord
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return imported, fmt.Errorf("failed to decode export record: %w", err)
		}

		if _, err := s.GetDocument(rec.Document.ID); err == nil {
			continue
		}

		if err := s.CreateDocument(&rec.Document); err != nil {
			return imported, err
		}
		if len(rec.Chunks) > 0 {
			if err := s.InsertChunks(rec.Chunks); err != nil {
				return imported, err
			}
		}
		imported++
	}

	return imported, nil
}

func vectorToBlob(vector []float32) []byte {
	if vector == nil {
		return nil
	}
	blob := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func blobToVector(blob []byte) []float32 {
	if len(blob) == 0 {
		return nil
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}
