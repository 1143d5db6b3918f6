package store

import "fmt"

// metadataSchemaSQL returns the DDL for the process-wide metadata
// database: personas, documents, and ingestion status. One database
// serves every persona; isolation between owners is enforced at the
// query layer, not by separate files.
const metadataSchemaSQL = `
CREATE TABLE IF NOT EXISTS personas (
    persona_id      TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    name            TEXT NOT NULL,
    description     TEXT,
    model_id        TEXT NOT NULL,
    collection_id   TEXT NOT NULL UNIQUE,
    document_count  INTEGER NOT NULL DEFAULT 0,
    chunk_count     INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_personas_owner ON personas(owner_id);

CREATE TABLE IF NOT EXISTS documents (
    document_id     TEXT PRIMARY KEY,
    persona_id      TEXT NOT NULL REFERENCES personas(persona_id) ON DELETE CASCADE,
    filename        TEXT NOT NULL,
    byte_length     INTEGER NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    failure_reason  TEXT,
    chunk_count     INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_documents_persona ON documents(persona_id);

-- One row per ingestion batch (a single corpus upload touching N files).
CREATE TABLE IF NOT EXISTS ingestion_status (
    batch_id        TEXT PRIMARY KEY,
    persona_id      TEXT NOT NULL REFERENCES personas(persona_id) ON DELETE CASCADE,
    outcomes        JSON NOT NULL, -- [{document_id, filename, status, failure_reason}]
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_ingestion_status_persona ON ingestion_status(persona_id);

-- One row per owner, holding the bcrypt hash of their bearer api key.
-- A row is created the first time an owner presents a key under
-- auth-required mode; every later request verifies against this hash.
CREATE TABLE IF NOT EXISTS owner_credentials (
    owner_id        TEXT PRIMARY KEY,
    api_key_hash    TEXT NOT NULL,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// indexSchemaSQL returns the DDL for a single collection's partition:
// a vec0 virtual table for dense search and an FTS5 virtual table for
// lexical search, kept in sync via triggers the same way the chunk
// index was kept in sync in the prior system.
func indexSchemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS chunk_payload (
    chunk_id        TEXT PRIMARY KEY,
    document_id     TEXT NOT NULL,
    ordinal         INTEGER NOT NULL,
    text            TEXT NOT NULL,
    source_filename TEXT NOT NULL,
    char_start      INTEGER NOT NULL,
    char_end        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunk_payload_document ON chunk_payload(document_id);

CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vectors USING vec0(
    chunk_id TEXT PRIMARY KEY,
    embedding float[%d]
);

CREATE VIRTUAL TABLE IF NOT EXISTS chunk_text_fts USING fts5(
    text,
    content='chunk_payload',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunk_payload_ai AFTER INSERT ON chunk_payload BEGIN
    INSERT INTO chunk_text_fts(rowid, text) VALUES (new.rowid, new.text);
END;
CREATE TRIGGER IF NOT EXISTS chunk_payload_ad AFTER DELETE ON chunk_payload BEGIN
    INSERT INTO chunk_text_fts(chunk_text_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;
CREATE TRIGGER IF NOT EXISTS chunk_payload_au AFTER UPDATE ON chunk_payload BEGIN
    INSERT INTO chunk_text_fts(chunk_text_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
    INSERT INTO chunk_text_fts(rowid, text) VALUES (new.rowid, new.text);
END;
`, embeddingDim)
}
