// Package store persists the graph mirror (typed nodes and edges) and the
// query audit log in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// NodeRef identifies a node by kind and key.
type NodeRef struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

func (r NodeRef) String() string { return r.Kind + ":" + r.Key }

// Node represents a row in the nodes table.
type Node struct {
	ID         int64          `json:"id"`
	Kind       string         `json:"kind"`
	Key        string         `json:"key"`
	Properties map[string]any `json:"properties"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// Ref returns the node's identity.
func (n Node) Ref() NodeRef { return NodeRef{Kind: n.Kind, Key: n.Key} }

// Edge represents a row in the edges table.
type Edge struct {
	ID         int64          `json:"id"`
	Kind       string         `json:"kind"`
	From       NodeRef        `json:"from"`
	To         NodeRef        `json:"to"`
	Properties map[string]any `json:"properties"`
	UpdatedAt  string         `json:"updated_at"`
}

// Neighbor is one hop from a node: the connecting edge and the node at the
// other end.
type Neighbor struct {
	Edge Edge `json:"edge"`
	Node Node `json:"node"`
}

// QueryLog represents a row in the query_log table.
type QueryLog struct {
	ID         string    `json:"id"`
	DrugA      string    `json:"drug_a"`
	DrugB      string    `json:"drug_b,omitempty"`
	VerifyWeb  bool      `json:"verify_web"`
	Status     string    `json:"status"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence"`
	Severity   string    `json:"severity,omitempty"`
	Resolvers  any       `json:"resolvers,omitempty"`
	Trace      []string  `json:"trace,omitempty"`
	Answer     string    `json:"answer,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the SQLite database for graph and audit persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and applies
// the schema and pending migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Graph operations ---

// UpsertNode inserts the node or merges props into the existing one. Keys
// present in props overwrite stored keys; other stored keys are kept.
// Returns the node ID.
func (s *Store) UpsertNode(ctx context.Context, kind, key string, props map[string]any) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = upsertNodeTx(ctx, tx, kind, key, props)
		return err
	})
	return id, err
}

func upsertNodeTx(ctx context.Context, tx *sql.Tx, kind, key string, props map[string]any) (int64, error) {
	if kind == "" || key == "" {
		return 0, fmt.Errorf("upsert node: kind and key are required")
	}
	propsJSON, err := marshalProps(props)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (kind, key, properties)
		VALUES (?, ?, json(?))
		ON CONFLICT(kind, key) DO UPDATE SET
			properties = json_patch(nodes.properties, excluded.properties),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, kind, key, propsJSON); err != nil {
		return 0, err
	}

	// LastInsertId is not reliable on the update path.
	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM nodes WHERE kind = ? AND key = ?", kind, key).Scan(&id)
	return id, err
}

// UpsertEdge merges an edge of the given kind between two nodes, creating
// either node (with no properties) when missing.
func (s *Store) UpsertEdge(ctx context.Context, kind string, from, to NodeRef, props map[string]any) (int64, error) {
	if kind == "" {
		return 0, fmt.Errorf("upsert edge: kind is required")
	}
	propsJSON, err := marshalProps(props)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		fromID, err := upsertNodeTx(ctx, tx, from.Kind, from.Key, nil)
		if err != nil {
			return fmt.Errorf("from node %s: %w", from, err)
		}
		toID, err := upsertNodeTx(ctx, tx, to.Kind, to.Key, nil)
		if err != nil {
			return fmt.Errorf("to node %s: %w", to, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges (kind, from_node_id, to_node_id, properties)
			VALUES (?, ?, ?, json(?))
			ON CONFLICT(kind, from_node_id, to_node_id) DO UPDATE SET
				properties = json_patch(edges.properties, excluded.properties),
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		`, kind, fromID, toID, propsJSON); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			"SELECT id FROM edges WHERE kind = ? AND from_node_id = ? AND to_node_id = ?",
			kind, fromID, toID).Scan(&id)
	})
	return id, err
}

// GetNode retrieves a node by reference. Returns sql.ErrNoRows when absent.
func (s *Store) GetNode(ctx context.Context, ref NodeRef) (*Node, error) {
	n := &Node{}
	var props string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, key, properties, created_at, updated_at
		FROM nodes WHERE kind = ? AND key = ?
	`, ref.Kind, ref.Key).Scan(&n.ID, &n.Kind, &n.Key, &props, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if n.Properties, err = unmarshalProps(props); err != nil {
		return nil, fmt.Errorf("node %s properties: %w", ref, err)
	}
	return n, nil
}

// ListNodes returns every node of a kind, ordered by key.
func (s *Store) ListNodes(ctx context.Context, kind string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, key, properties, created_at, updated_at
		FROM nodes WHERE kind = ? ORDER BY key
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var props string
		if err := rows.Scan(&n.ID, &n.Kind, &n.Key, &props, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		if n.Properties, err = unmarshalProps(props); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Neighbors returns the nodes one edge away from ref in either direction.
// An empty edgeKind matches every kind.
func (s *Store) Neighbors(ctx context.Context, ref NodeRef, edgeKind string) ([]Neighbor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.kind, e.properties, e.updated_at,
			f.kind, f.key, t.kind, t.key,
			o.id, o.kind, o.key, o.properties, o.created_at, o.updated_at
		FROM nodes n
		JOIN edges e ON (e.from_node_id = n.id OR e.to_node_id = n.id)
		JOIN nodes f ON f.id = e.from_node_id
		JOIN nodes t ON t.id = e.to_node_id
		JOIN nodes o ON o.id = CASE WHEN e.from_node_id = n.id THEN e.to_node_id ELSE e.from_node_id END
		WHERE n.kind = ? AND n.key = ? AND (? = '' OR e.kind = ?)
		ORDER BY e.kind, o.kind, o.key
	`, ref.Kind, ref.Key, edgeKind, edgeKind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var nb Neighbor
		var edgeProps, nodeProps string
		if err := rows.Scan(&nb.Edge.ID, &nb.Edge.Kind, &edgeProps, &nb.Edge.UpdatedAt,
			&nb.Edge.From.Kind, &nb.Edge.From.Key, &nb.Edge.To.Kind, &nb.Edge.To.Key,
			&nb.Node.ID, &nb.Node.Kind, &nb.Node.Key, &nodeProps, &nb.Node.CreatedAt, &nb.Node.UpdatedAt); err != nil {
			return nil, err
		}
		if nb.Edge.Properties, err = unmarshalProps(edgeProps); err != nil {
			return nil, err
		}
		if nb.Node.Properties, err = unmarshalProps(nodeProps); err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, rows.Err()
}

// --- Query log ---

// LogQuery appends an entry to the query log. ID and CreatedAt are filled
// when empty.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	resolversJSON, _ := json.Marshal(q.Resolvers)
	traceJSON, _ := json.Marshal(q.Trace)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (id, drug_a, drug_b, verify_web, status, source, confidence, severity, resolvers, trace, answer, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.DrugA, q.DrugB, q.VerifyWeb, q.Status, q.Source, q.Confidence, q.Severity,
		string(resolversJSON), string(traceJSON), q.Answer, q.DurationMS,
		q.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// QueryHistory returns up to limit log entries, newest first.
func (s *Store) QueryHistory(ctx context.Context, limit int) ([]QueryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, drug_a, COALESCE(drug_b, ''), verify_web, status, COALESCE(source, ''),
			COALESCE(confidence, 0), COALESCE(severity, ''), resolvers, trace,
			COALESCE(answer, ''), COALESCE(duration_ms, 0), created_at
		FROM query_log ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueryLog
	for rows.Next() {
		var q QueryLog
		var resolvers, trace sql.NullString
		var created string
		if err := rows.Scan(&q.ID, &q.DrugA, &q.DrugB, &q.VerifyWeb, &q.Status, &q.Source,
			&q.Confidence, &q.Severity, &resolvers, &trace, &q.Answer, &q.DurationMS, &created); err != nil {
			return nil, err
		}
		if resolvers.Valid && resolvers.String != "null" {
			var v any
			if err := json.Unmarshal([]byte(resolvers.String), &v); err == nil {
				q.Resolvers = v
			}
		}
		if trace.Valid {
			_ = json.Unmarshal([]byte(trace.String), &q.Trace)
		}
		q.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- Stats ---

// Stats holds counts of key database objects.
type Stats struct {
	Nodes       int            `json:"nodes"`
	Edges       int            `json:"edges"`
	Queries     int            `json:"queries"`
	NodesByKind map[string]int `json:"nodes_by_kind"`
}

// Stats returns node, edge and query-log counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{NodesByKind: map[string]int{}}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM nodes", &stats.Nodes},
		{"SELECT COUNT(*) FROM edges", &stats.Edges},
		{"SELECT COUNT(*) FROM query_log", &stats.Queries},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM nodes GROUP BY kind")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		stats.NodesByKind[kind] = n
	}
	return stats, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
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

func marshalProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encoding properties: %w", err)
	}
	return string(b), nil
}

func unmarshalProps(s string) (map[string]any, error) {
	props := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(s), &props); err != nil {
		return nil, err
	}
	return props, nil
}
