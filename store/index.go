package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// rrfK is the Reciprocal Rank Fusion constant from the literature.
const rrfK = 60

// overlapBonus multiplies the fused score of a chunk that appears in
// both the dense and lexical result lists.
const overlapBonus = 1.2

// ChunkRecord is one chunk's payload plus its embedding, as written by
// CorpusIngestor after chunking and embedding a document.
type ChunkRecord struct {
	ChunkID        string
	DocumentID     string
	Ordinal        int
	Text           string
	SourceFilename string
	CharStart      int
	CharEnd        int
	Vector         []float32
}

// RetrievalHit is one scored chunk returned by a search operation.
type RetrievalHit struct {
	ChunkID        string  `json:"chunk_id"`
	Text           string  `json:"text"`
	SourceFilename string  `json:"source_filename"`
	Score          float64 `json:"score"`
	DenseRank      int     `json:"dense_rank,omitempty"`
	LexicalRank    int     `json:"lexical_rank,omitempty"`
}

// ErrIndexMissing signals a search against a collection with no
// partition yet. Treated as an empty result, not a failure, so callers
// check for it rather than propagate it as an Error.
var ErrIndexMissing = fmt.Errorf("anima: collection partition does not exist")

// VectorLexicalIndex owns one sqlite file per collection_id, each
// holding a vec0 dense index and an FTS5 lexical index over the same
// chunk rows, kept in sync by triggers.
type VectorLexicalIndex struct {
	dir          string
	embeddingDim int

	mu    sync.Mutex
	conns map[string]*collectionConn
}

type collectionConn struct {
	db    *sql.DB
	write sync.Mutex // serializes writes to this collection
}

// NewVectorLexicalIndex roots all collection partitions under dir.
func NewVectorLexicalIndex(dir string, embeddingDim int) *VectorLexicalIndex {
	return &VectorLexicalIndex{
		dir:          dir,
		embeddingDim: embeddingDim,
		conns:        make(map[string]*collectionConn),
	}
}

func (idx *VectorLexicalIndex) path(collectionID string) string {
	return filepath.Join(idx.dir, collectionID+".db")
}

// Create opens (creating if absent) the partition for collectionID and
// applies its schema. Idempotent: calling it again is a no-op.
func (idx *VectorLexicalIndex) Create(ctx context.Context, collectionID string) error {
	_, err := idx.open(ctx, collectionID, true)
	return err
}

// open returns the cached connection for collectionID, opening it (and
// creating the schema) only if createIfMissing is true or the file
// already exists.
func (idx *VectorLexicalIndex) open(ctx context.Context, collectionID string, createIfMissing bool) (*collectionConn, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if c, ok := idx.conns[collectionID]; ok {
		return c, nil
	}

	path := idx.path(collectionID)
	if !createIfMissing {
		if _, err := os.Stat(path); err != nil {
			return nil, ErrIndexMissing
		}
	}

	if err := os.MkdirAll(idx.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating collections dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening collection partition: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging collection partition: %w", err)
	}
	if _, err := db.ExecContext(ctx, indexSchemaSQL(idx.embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating collection schema: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	c := &collectionConn{db: db}
	idx.conns[collectionID] = c
	return c, nil
}

// Upsert writes a batch of chunk records (payload + vector) into a
// collection, creating the partition if this is the first write.
func (idx *VectorLexicalIndex) Upsert(ctx context.Context, collectionID string, chunks []ChunkRecord) error {
	c, err := idx.open(ctx, collectionID, true)
	if err != nil {
		return err
	}

	c.write.Lock()
	defer c.write.Unlock()

	return inTxDB(ctx, c.db, func(tx *sql.Tx) error {
		payloadStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunk_payload (chunk_id, document_id, ordinal, text, source_filename, char_start, char_end)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				ordinal = excluded.ordinal, text = excluded.text,
				source_filename = excluded.source_filename,
				char_start = excluded.char_start, char_end = excluded.char_end
		`)
		if err != nil {
			return err
		}
		defer payloadStmt.Close()

		vecStmt, err := tx.PrepareContext(ctx,
			"INSERT OR REPLACE INTO chunk_vectors (chunk_id, embedding) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer vecStmt.Close()

		for _, ch := range chunks {
			if _, err := payloadStmt.ExecContext(ctx, ch.ChunkID, ch.DocumentID, ch.Ordinal,
				ch.Text, ch.SourceFilename, ch.CharStart, ch.CharEnd); err != nil {
				return fmt.Errorf("upserting chunk payload %s: %w", ch.ChunkID, err)
			}
			if _, err := vecStmt.ExecContext(ctx, ch.ChunkID, serializeFloat32(ch.Vector)); err != nil {
				return fmt.Errorf("upserting chunk vector %s: %w", ch.ChunkID, err)
			}
		}
		return nil
	})
}

// DeleteDocument removes every chunk belonging to documentID from a
// collection.
func (idx *VectorLexicalIndex) DeleteDocument(ctx context.Context, collectionID, documentID string) error {
	c, err := idx.open(ctx, collectionID, false)
	if err == ErrIndexMissing {
		return nil
	}
	if err != nil {
		return err
	}

	c.write.Lock()
	defer c.write.Unlock()

	return inTxDB(ctx, c.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT chunk_id FROM chunk_payload WHERE document_id = ?", documentID)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_vectors WHERE chunk_id = ?", id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_payload WHERE chunk_id = ?", id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChunkPreview is a short, ordinal-ordered excerpt of one indexed chunk,
// used to preview a document's content without fetching every chunk's
// full payload.
type ChunkPreview struct {
	Text    string `json:"text"`
	Ordinal int    `json:"ordinal"`
}

// ListChunksByDocument returns documentID's chunks in ordinal order, for
// display previews.
func (idx *VectorLexicalIndex) ListChunksByDocument(ctx context.Context, collectionID, documentID string) ([]ChunkPreview, error) {
	c, err := idx.open(ctx, collectionID, false)
	if err == ErrIndexMissing {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT text, ordinal FROM chunk_payload WHERE document_id = ? ORDER BY ordinal ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkPreview
	for rows.Next() {
		var p ChunkPreview
		if err := rows.Scan(&p.Text, &p.Ordinal); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteCollection drops the entire partition file for collectionID,
// used when a persona is deleted.
func (idx *VectorLexicalIndex) DeleteCollection(ctx context.Context, collectionID string) error {
	idx.mu.Lock()
	if c, ok := idx.conns[collectionID]; ok {
		c.db.Close()
		delete(idx.conns, collectionID)
	}
	idx.mu.Unlock()

	path := idx.path(collectionID)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(path + suffix)
	}
	return nil
}

// SearchDense performs a KNN search over the embedding column.
func (idx *VectorLexicalIndex) SearchDense(ctx context.Context, collectionID string, query []float32, k int) ([]RetrievalHit, error) {
	c, err := idx.open(ctx, collectionID, false)
	if err == ErrIndexMissing {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance, p.text, p.source_filename
		FROM chunk_vectors v
		JOIN chunk_payload p ON p.chunk_id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(query), k)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}
	defer rows.Close()

	var hits []RetrievalHit
	rank := 0
	for rows.Next() {
		rank++
		var h RetrievalHit
		var distance float64
		if err := rows.Scan(&h.ChunkID, &distance, &h.Text, &h.SourceFilename); err != nil {
			return nil, err
		}
		h.Score = 1.0 - distance
		h.DenseRank = rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchLexical performs an FTS5 BM25-ranked search.
func (idx *VectorLexicalIndex) SearchLexical(ctx context.Context, collectionID, query string, k int) ([]RetrievalHit, error) {
	c, err := idx.open(ctx, collectionID, false)
	if err == ErrIndexMissing {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT p.chunk_id, f.rank, p.text, p.source_filename
		FROM chunk_text_fts f
		JOIN chunk_payload p ON p.rowid = f.rowid
		WHERE chunk_text_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, sanitizeMatchQuery(query), k)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []RetrievalHit
	rank := 0
	for rows.Next() {
		rank++
		var h RetrievalHit
		var ftsRank float64
		if err := rows.Scan(&h.ChunkID, &ftsRank, &h.Text, &h.SourceFilename); err != nil {
			return nil, err
		}
		h.Score = -ftsRank // FTS5 rank is negative; lower is better
		h.LexicalRank = rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// GetChunk fetches a single chunk's payload by exact chunk_id, for the
// cite tool and for enriching a model-cited chunk_id back into a
// RetrievalHit. Returns (nil, nil) if the collection or the chunk_id
// doesn't exist — not found is not a failure here.
func (idx *VectorLexicalIndex) GetChunk(ctx context.Context, collectionID, chunkID string) (*RetrievalHit, error) {
	c, err := idx.open(ctx, collectionID, false)
	if err == ErrIndexMissing {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h := &RetrievalHit{ChunkID: chunkID}
	err = c.db.QueryRowContext(ctx,
		"SELECT text, source_filename FROM chunk_payload WHERE chunk_id = ?", chunkID,
	).Scan(&h.Text, &h.SourceFilename)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// documentIDAndOrdinal looks up a chunk's document_id and ordinal, used only for the
// hybrid fusion tie-break (document_id lexical order, then ordinal).
func (idx *VectorLexicalIndex) documentIDAndOrdinal(ctx context.Context, c *collectionConn, chunkID string) (string, int) {
	var docID string
	var ordinal int
	c.db.QueryRowContext(ctx, "SELECT document_id, ordinal FROM chunk_payload WHERE chunk_id = ?", chunkID).
		Scan(&docID, &ordinal)
	return docID, ordinal
}

// SearchHybrid fuses dense and lexical search with Reciprocal Rank
// Fusion plus an overlap bonus:
//
//	s(c) = 1/(60+rank_d(c)) + 1/(60+rank_l(c)), missing term = 0
//	s(c) *= 1.2 if c appears in both lists
//
// Each sub-search is run to depth k_sub = 2k before fusing and
// truncating to k, ties broken by document_id ascending then ordinal
// ascending.
func (idx *VectorLexicalIndex) SearchHybrid(ctx context.Context, collectionID string, queryText string, queryVector []float32, k int) ([]RetrievalHit, error) {
	kSub := 2 * k
	if kSub <= 0 {
		kSub = 2
	}

	dense, err := idx.SearchDense(ctx, collectionID, queryVector, kSub)
	if err != nil {
		return nil, err
	}
	lexical, err := idx.SearchLexical(ctx, collectionID, queryText, kSub)
	if err != nil {
		return nil, err
	}
	if len(dense) == 0 && len(lexical) == 0 {
		return nil, nil
	}

	type fused struct {
		hit      RetrievalHit
		score    float64
		inDense  bool
		inLexical bool
	}
	byID := make(map[string]*fused)

	for _, h := range dense {
		f := &fused{hit: h, inDense: true}
		f.score += 1.0 / float64(rrfK+h.DenseRank)
		byID[h.ChunkID] = f
	}
	for _, h := range lexical {
		f, ok := byID[h.ChunkID]
		if !ok {
			f = &fused{hit: h}
			byID[h.ChunkID] = f
		} else {
			f.hit.LexicalRank = h.LexicalRank
		}
		f.inLexical = true
		f.score += 1.0 / float64(rrfK+h.LexicalRank)
	}

	c, err := idx.open(ctx, collectionID, false)
	if err != nil && err != ErrIndexMissing {
		return nil, err
	}

	var entries []*fused
	for _, f := range byID {
		if f.inDense && f.inLexical {
			f.score *= overlapBonus
		}
		entries = append(entries, f)
	}

	type tieBreak struct {
		documentID string
		ordinal    int
	}
	tb := make(map[string]tieBreak, len(entries))
	if c != nil {
		for _, f := range entries {
			docID, ordinal := idx.documentIDAndOrdinal(ctx, c, f.hit.ChunkID)
			tb[f.hit.ChunkID] = tieBreak{docID, ordinal}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		ti, tj := tb[entries[i].hit.ChunkID], tb[entries[j].hit.ChunkID]
		if ti.documentID != tj.documentID {
			return ti.documentID < tj.documentID
		}
		return ti.ordinal < tj.ordinal
	})

	if len(entries) > k {
		entries = entries[:k]
	}

	out := make([]RetrievalHit, len(entries))
	for i, f := range entries {
		out[i] = f.hit
		out[i].Score = f.score
	}
	return out, nil
}

// --- helpers ---

func inTxDB(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// sanitizeMatchQuery replaces every byte other than an ASCII letter,
// digit or space with a space, so punctuation in free-text queries
// (slashes, hyphens) doesn't trip FTS5's MATCH syntax. Non-ASCII
// letters are replaced too.
func sanitizeMatchQuery(q string) string {
	var out []byte
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == ' ':
			out = append(out, c)
		default:
			out = append(out, ' ')
		}
	}
	return string(out)
}
