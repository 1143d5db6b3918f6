// Package store persists persona/document metadata (MetadataStore) and
// implements a per-collection dense+lexical search partition
// (VectorLexicalIndex), one sqlite file per collection.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// Persona mirrors the persona record an owner curates a corpus under.
type Persona struct {
	PersonaID      string    `json:"persona_id"`
	OwnerID        string    `json:"owner_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	ModelID        string    `json:"model_id"`
	CollectionID   string    `json:"collection_id"`
	CreatedAt      time.Time `json:"created_at"`
	DocumentCount  int       `json:"document_count"`
	ChunkCount     int       `json:"chunk_count"`
	CorpusAvailable bool     `json:"corpus_available"`
}

// Document status values.
const (
	DocStatusPending = "pending"
	DocStatusParsed  = "parsed"
	DocStatusIndexed = "indexed"
	DocStatusFailed  = "failed"
)

// Document mirrors one uploaded file belonging to a persona's corpus.
type Document struct {
	DocumentID     string    `json:"document_id"`
	PersonaID      string    `json:"persona_id"`
	Filename       string    `json:"filename"`
	ByteLength     int64     `json:"byte_length"`
	Status         string    `json:"status"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	ChunkCount     int       `json:"chunk_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IngestOutcome is one file's result within an ingestion batch.
type IngestOutcome struct {
	DocumentID    string `json:"document_id"`
	Filename      string `json:"filename"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// MetadataStore is the durable record of personas, documents, and
// ingestion history. It never holds vectors or chunk text bodies for
// search; VectorLexicalIndex owns that.
type MetadataStore struct {
	db *sql.DB
}

// OpenMetadataStore opens (or creates) the metadata database at path.
func OpenMetadataStore(path string) (*MetadataStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating metadata dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging metadata database: %w", err)
	}
	if _, err := db.Exec(metadataSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metadata schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &MetadataStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *MetadataStore) Close() error { return s.db.Close() }

func (s *MetadataStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Persona operations ---

// CreatePersona inserts a new persona. collectionID is generated by the
// caller (CorpusIngestor's owner) before the collection partition is
// created, so both records agree on the identifier.
func (s *MetadataStore) CreatePersona(ctx context.Context, p Persona) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (persona_id, owner_id, name, description, model_id, collection_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.PersonaID, p.OwnerID, p.Name, p.Description, p.ModelID, p.CollectionID)
	return err
}

// GetPersona retrieves a persona by ID regardless of owner; callers
// enforce ownership (NotAuthorized) themselves so the same lookup can
// serve both the owner-path and the cross-owner-rejection path.
func (s *MetadataStore) GetPersona(ctx context.Context, personaID string) (*Persona, error) {
	p := &Persona{}
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT persona_id, owner_id, name, description, model_id, collection_id,
			document_count, chunk_count, created_at
		FROM personas WHERE persona_id = ?
	`, personaID).Scan(&p.PersonaID, &p.OwnerID, &p.Name, &desc, &p.ModelID,
		&p.CollectionID, &p.DocumentCount, &p.ChunkCount, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Description = desc.String
	p.CorpusAvailable = p.ChunkCount > 0
	return p, nil
}

// ListPersonas returns every persona owned by ownerID.
func (s *MetadataStore) ListPersonas(ctx context.Context, ownerID string) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT persona_id, owner_id, name, description, model_id, collection_id,
			document_count, chunk_count, created_at
		FROM personas WHERE owner_id = ? ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		var p Persona
		var desc sql.NullString
		if err := rows.Scan(&p.PersonaID, &p.OwnerID, &p.Name, &desc, &p.ModelID,
			&p.CollectionID, &p.DocumentCount, &p.ChunkCount, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		p.CorpusAvailable = p.ChunkCount > 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePersona updates only name, description, and model_id.
func (s *MetadataStore) UpdatePersona(ctx context.Context, personaID, name, description, modelID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE personas SET name = ?, description = ?, model_id = ? WHERE persona_id = ?
	`, name, description, modelID, personaID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPersonaNotFound
	}
	return nil
}

// DeletePersona removes the persona metadata row and its documents.
// Callers must delete the collection's index partition first.
func (s *MetadataStore) DeletePersona(ctx context.Context, personaID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM personas WHERE persona_id = ?", personaID)
	return err
}

// IncrementPersonaCounters bumps document_count/chunk_count after each
// successfully indexed file.
func (s *MetadataStore) IncrementPersonaCounters(ctx context.Context, personaID string, documents, chunks int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE personas SET document_count = document_count + ?, chunk_count = chunk_count + ?
		WHERE persona_id = ?
	`, documents, chunks, personaID)
	return err
}

// --- Credentials ---

// ErrCredentialMismatch is returned when a presented api key does not
// match the hash previously registered for that owner.
var ErrCredentialMismatch = fmt.Errorf("anima: api key does not match owner's registered credential")

// VerifyOwnerCredential checks apiKey against ownerID's registered
// bcrypt hash. The first time an owner is seen, the key is hashed and
// persisted as that owner's credential; every subsequent call verifies
// against it. This register-on-first-use shape avoids a separate
// credential-provisioning flow while still making every later request
// for that owner a real bcrypt comparison.
func (s *MetadataStore) VerifyOwnerCredential(ctx context.Context, ownerID, apiKey string) error {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT api_key_hash FROM owner_credentials WHERE owner_id = ?`, ownerID).Scan(&hash)
	switch {
	case err == sql.ErrNoRows:
		newHash, herr := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
		if herr != nil {
			return fmt.Errorf("hashing api key: %w", herr)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO owner_credentials (owner_id, api_key_hash) VALUES (?, ?)
			ON CONFLICT(owner_id) DO NOTHING
		`, ownerID, string(newHash))
		return err
	case err != nil:
		return err
	default:
		if cerr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); cerr != nil {
			return ErrCredentialMismatch
		}
		return nil
	}
}

// --- Document operations ---

// UpsertDocument inserts or updates a document row by document_id.
func (s *MetadataStore) UpsertDocument(ctx context.Context, d Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (document_id, persona_id, filename, byte_length, status, failure_reason, chunk_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			chunk_count = excluded.chunk_count,
			updated_at = CURRENT_TIMESTAMP
	`, d.DocumentID, d.PersonaID, d.Filename, d.ByteLength, d.Status, d.FailureReason, d.ChunkCount)
	return err
}

// GetDocument retrieves a document by ID.
func (s *MetadataStore) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	d := &Document{}
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, persona_id, filename, byte_length, status, failure_reason,
			chunk_count, created_at, updated_at
		FROM documents WHERE document_id = ?
	`, documentID).Scan(&d.DocumentID, &d.PersonaID, &d.Filename, &d.ByteLength,
		&d.Status, &reason, &d.ChunkCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.FailureReason = reason.String
	return d, nil
}

// ListDocuments returns every document belonging to a persona.
func (s *MetadataStore) ListDocuments(ctx context.Context, personaID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, persona_id, filename, byte_length, status, failure_reason,
			chunk_count, created_at, updated_at
		FROM documents WHERE persona_id = ? ORDER BY created_at ASC
	`, personaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var reason sql.NullString
		if err := rows.Scan(&d.DocumentID, &d.PersonaID, &d.Filename, &d.ByteLength,
			&d.Status, &reason, &d.ChunkCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.FailureReason = reason.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordIngestionBatch writes one ingestion-status record summarising
// the per-file outcomes of a corpus upload.
func (s *MetadataStore) RecordIngestionBatch(ctx context.Context, batchID, personaID string, outcomes []IngestOutcome) error {
	data, err := json.Marshal(outcomes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO ingestion_status (batch_id, persona_id, outcomes) VALUES (?, ?, ?)",
		batchID, personaID, string(data))
	return err
}
