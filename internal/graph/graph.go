// Package graph provides the SQLite-backed run ledger: a content-addressed
// node/edge store recording every chunk, group, and commit an orchestrator
// run produces, so past runs can be replayed and swept.
package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"codestory/internal/cas"
)

// NodeKind identifies the pipeline artifact a ledger node records.
type NodeKind string

const (
	KindRun             NodeKind = "Run"
	KindChunk           NodeKind = "Chunk"
	KindSemanticGroup   NodeKind = "SemanticGroup"
	KindLogicalGroup    NodeKind = "LogicalGroup"
	KindRejectedGroup   NodeKind = "RejectedGroup"
	KindCommit          NodeKind = "Commit"
	KindAccumulatedTree NodeKind = "AccumulatedTree"
)

// EdgeType names the relationship an edge records between two ledger nodes.
type EdgeType string

const (
	EdgeRunHasChunk     EdgeType = "HAS_CHUNK"   // Run -> Chunk
	EdgeChunkInGroup    EdgeType = "IN_GROUP"    // Chunk -> SemanticGroup
	EdgeGroupMergedInto EdgeType = "MERGED_INTO" // SemanticGroup -> LogicalGroup
	EdgeGroupRejected   EdgeType = "REJECTED_AS" // SemanticGroup|LogicalGroup -> RejectedGroup
	EdgeGroupProduces   EdgeType = "PRODUCES"    // LogicalGroup -> Commit
	EdgeCommitParent    EdgeType = "PARENT_OF"   // Commit -> Commit (chain order)
	EdgeCommitHasTree   EdgeType = "HAS_TREE"    // Commit -> AccumulatedTree
	EdgeRunHasCommit    EdgeType = "HAS_COMMIT"  // Run -> Commit
	EdgeDependsOn       EdgeType = "DEPENDS_ON"  // LogicalGroup -> LogicalGroup (ordering)
)

// Node is one ledger entry.
type Node struct {
	ID        []byte
	Kind      NodeKind
	Payload   map[string]interface{}
	CreatedAt int64
}

// Edge relates two nodes under an optional context (the run that recorded
// it).
type Edge struct {
	Src       []byte
	Type      EdgeType
	Dst       []byte
	At        []byte
	CreatedAt int64
}

// DB wraps the SQLite connection backing the ledger plus the objects
// directory holding staged blob/tree content.
type DB struct {
	conn       *sql.DB
	objectsDir string
}

// Open opens or creates the ledger database at dbPath.
func Open(dbPath, objectsDir string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	conn.Exec("PRAGMA busy_timeout=5000")
	conn.Exec("PRAGMA foreign_keys=ON")

	return &DB{conn: conn, objectsDir: objectsDir}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// schema is the ledger's table layout. Open does not apply it; callers run
// ApplySchema after Open so a fresh run directory and a resumed one end up
// consistent.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (id BLOB PRIMARY KEY, kind TEXT NOT NULL, payload TEXT NOT NULL, created_at INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS edges (src BLOB NOT NULL, type TEXT NOT NULL, dst BLOB NOT NULL, at BLOB, created_at INTEGER NOT NULL, PRIMARY KEY (src, type, dst, at));
CREATE TABLE IF NOT EXISTS refs (name TEXT PRIMARY KEY, target_id BLOB NOT NULL, target_kind TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS slugs (target_id BLOB PRIMARY KEY, slug TEXT UNIQUE NOT NULL);
CREATE TABLE IF NOT EXISTS logs (kind TEXT NOT NULL, seq INTEGER NOT NULL, id BLOB NOT NULL, created_at INTEGER NOT NULL, PRIMARY KEY (kind, seq));
`

// ApplySchema creates the ledger tables if they do not already exist.
func (db *DB) ApplySchema() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// BeginTx starts a transaction.
func (db *DB) BeginTx() (*sql.Tx, error) {
	return db.conn.Begin()
}

// InsertNode records a node if it is not already present. Its ID is the
// content address of (kind, payload), so re-running a stage over the same
// inputs never creates a duplicate ledger entry.
func (db *DB) InsertNode(tx *sql.Tx, kind NodeKind, payload map[string]interface{}) ([]byte, error) {
	id, err := cas.NodeID(string(kind), payload)
	if err != nil {
		return nil, fmt.Errorf("computing node ID: %w", err)
	}
	body, err := cas.CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	_, err = tx.Exec(`INSERT OR IGNORE INTO nodes (id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		id, string(kind), string(body), cas.NowMs())
	if err != nil {
		return nil, fmt.Errorf("inserting node: %w", err)
	}
	return id, nil
}

// InsertNodeDirect records a node in its own transaction.
func (db *DB) InsertNodeDirect(kind NodeKind, payload map[string]interface{}) ([]byte, error) {
	tx, err := db.BeginTx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id, err := db.InsertNode(tx, kind, payload)
	if err != nil {
		return nil, err
	}
	return id, tx.Commit()
}

// InsertRunNode records a run with a caller-supplied UUID-based ID. Runs
// are not content-addressed: two runs over identical input diffs are still
// distinct runs.
func (db *DB) InsertRunNode(tx *sql.Tx, id []byte, payload map[string]interface{}) error {
	body, err := cas.CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO nodes (id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		id, string(KindRun), string(body), cas.NowMs())
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// InsertEdge records an edge if it is not already present.
func (db *DB) InsertEdge(tx *sql.Tx, src []byte, edgeType EdgeType, dst []byte, at []byte) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO edges (src, type, dst, at, created_at) VALUES (?, ?, ?, ?, ?)`,
		src, string(edgeType), dst, at, cas.NowMs())
	if err != nil {
		return fmt.Errorf("inserting edge: %w", err)
	}
	return nil
}

// InsertEdgeDirect records an edge in its own transaction.
func (db *DB) InsertEdgeDirect(src []byte, edgeType EdgeType, dst []byte, at []byte) error {
	tx, err := db.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := db.InsertEdge(tx, src, edgeType, dst, at); err != nil {
		return err
	}
	return tx.Commit()
}

func decodeNode(id []byte, kind, body string, createdAt int64) (*Node, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}
	return &Node{ID: id, Kind: NodeKind(kind), Payload: payload, CreatedAt: createdAt}, nil
}

// GetNode returns a node by ID, or nil when absent.
func (db *DB) GetNode(id []byte) (*Node, error) {
	var kind, body string
	var createdAt int64
	err := db.conn.QueryRow(`SELECT kind, payload, created_at FROM nodes WHERE id = ?`, id).
		Scan(&kind, &body, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return decodeNode(id, kind, body, createdAt)
}

// HasNode reports whether a node with the given ID exists.
func (db *DB) HasNode(id []byte) (bool, error) {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM nodes WHERE id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("checking node: %w", err)
	}
	return count > 0, nil
}

// GetNodesByKind returns every node of one kind.
func (db *DB) GetNodesByKind(kind NodeKind) ([]*Node, error) {
	rows, err := db.conn.Query(`SELECT id, payload, created_at FROM nodes WHERE kind = ?`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var id []byte
		var body string
		var createdAt int64
		if err := rows.Scan(&id, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		n, err := decodeNode(id, string(kind), body, createdAt)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// queryEdges runs an edge query whose SELECT yields two ID columns plus
// created_at, and assembles full edges with the fixed parts filled in.
func (db *DB) queryEdges(query string, arg []byte, edgeType EdgeType, build func(a, b []byte, at int64) *Edge) ([]*Edge, error) {
	rows, err := db.conn.Query(query, arg, string(edgeType))
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var a, b []byte
		var createdAt int64
		if err := rows.Scan(&a, &b, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		edges = append(edges, build(a, b, createdAt))
	}
	return edges, rows.Err()
}

// GetEdges returns edges leaving src with the given type.
func (db *DB) GetEdges(src []byte, edgeType EdgeType) ([]*Edge, error) {
	return db.queryEdges(`SELECT dst, at, created_at FROM edges WHERE src = ? AND type = ?`,
		src, edgeType, func(dst, at []byte, created int64) *Edge {
			return &Edge{Src: src, Type: edgeType, Dst: dst, At: at, CreatedAt: created}
		})
}

// GetEdgesTo returns edges arriving at dst with the given type.
func (db *DB) GetEdgesTo(dst []byte, edgeType EdgeType) ([]*Edge, error) {
	return db.queryEdges(`SELECT src, at, created_at FROM edges WHERE dst = ? AND type = ?`,
		dst, edgeType, func(src, at []byte, created int64) *Edge {
			return &Edge{Src: src, Type: edgeType, Dst: dst, At: at, CreatedAt: created}
		})
}

// GetEdgesByContext returns edges recorded under one run context.
func (db *DB) GetEdgesByContext(at []byte, edgeType EdgeType) ([]*Edge, error) {
	return db.queryEdges(`SELECT src, dst, created_at FROM edges WHERE at = ? AND type = ?`,
		at, edgeType, func(src, dst []byte, created int64) *Edge {
			return &Edge{Src: src, Type: edgeType, Dst: dst, At: at, CreatedAt: created}
		})
}

// UpdateNodePayload overwrites the payload of an existing node. Runs are
// the only node kind whose payload legitimately changes post-insert, to
// record completion status.
func (db *DB) UpdateNodePayload(id []byte, payload map[string]interface{}) error {
	body, err := cas.CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	result, err := db.conn.Exec(`UPDATE nodes SET payload = ? WHERE id = ?`, string(body), id)
	if err != nil {
		return fmt.Errorf("updating node: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("node not found")
	}
	return nil
}

// WriteObject stores raw content in the objects directory, addressed by
// its BLAKE3 digest. The tmp-then-rename dance keeps a crash from leaving
// a half-written object under its final name.
func (db *DB) WriteObject(content []byte) (string, error) {
	digest := cas.Blake3HashHex(content)
	finalPath := filepath.Join(db.objectsDir, digest)

	if _, err := os.Stat(finalPath); err == nil {
		return digest, nil
	}

	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		return "", fmt.Errorf("writing tmp object: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("atomic rename: %w", err)
	}
	return digest, nil
}

// ReadObject loads raw content from the objects directory by digest.
func (db *DB) ReadObject(digest string) ([]byte, error) {
	return os.ReadFile(filepath.Join(db.objectsDir, digest))
}

// GetRunByID finds a run node by its hex ID. A well-formed ID that names
// no run, or a non-run node, returns nil.
func (db *DB) GetRunByID(idHex string) (*Node, error) {
	id, err := cas.HexToBytes(idHex)
	if err != nil {
		return nil, fmt.Errorf("decoding run id: %w", err)
	}
	node, err := db.GetNode(id)
	if err != nil {
		return nil, err
	}
	if node == nil || node.Kind != KindRun {
		return nil, nil
	}
	return node, nil
}

// GetLatestRun returns the most recently created run node, or nil when the
// ledger has none.
func (db *DB) GetLatestRun() (*Node, error) {
	runs, err := db.GetNodesByKind(KindRun)
	if err != nil {
		return nil, err
	}
	var latest *Node
	for _, r := range runs {
		if latest == nil || r.CreatedAt > latest.CreatedAt {
			latest = r
		}
	}
	return latest, nil
}

// Query runs a raw query against the ledger.
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// Exec runs a raw statement against the ledger.
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}
