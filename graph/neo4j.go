package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/brunobiangulo/ddi/store"
)

// Neo4jSink writes to Neo4j through the HTTP transactional endpoint.
type Neo4jSink struct {
	Endpoint   string
	Database   string
	Username   string
	Password   string
	httpClient *http.Client
}

// NewNeo4jSink creates a sink for the server at endpoint
// (e.g. http://localhost:7474). database defaults to "neo4j".
func NewNeo4jSink(endpoint, database, user, pass string) *Neo4jSink {
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jSink{
		Endpoint:   strings.TrimRight(endpoint, "/"),
		Database:   database,
		Username:   user,
		Password:   pass,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Labels and relationship types are spliced into Cypher, so only plain
// identifiers are accepted.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnsureConstraints creates the uniqueness constraints MERGE relies on.
func (n *Neo4jSink) EnsureConstraints(ctx context.Context) error {
	for _, kind := range []string{KindDrug, KindIngredient} {
		stmt := fmt.Sprintf("CREATE CONSTRAINT %s_key IF NOT EXISTS FOR (n:%s) REQUIRE n.key IS UNIQUE",
			strings.ToLower(kind), kind)
		if err := n.exec(ctx, stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

// UpsertNode implements Sink.
func (n *Neo4jSink) UpsertNode(ctx context.Context, kind, key string, props map[string]any) error {
	if !identRe.MatchString(kind) {
		return fmt.Errorf("neo4j: invalid label %q", kind)
	}
	stmt := fmt.Sprintf("MERGE (n:%s {key: $key}) SET n += $props", kind)
	return n.exec(ctx, stmt, map[string]any{"key": key, "props": nonNil(props)})
}

// UpsertEdge implements Sink.
func (n *Neo4jSink) UpsertEdge(ctx context.Context, kind string, from, to store.NodeRef, props map[string]any) error {
	for _, id := range []string{kind, from.Kind, to.Kind} {
		if !identRe.MatchString(id) {
			return fmt.Errorf("neo4j: invalid identifier %q", id)
		}
	}
	stmt := fmt.Sprintf(
		"MERGE (a:%s {key: $from}) MERGE (b:%s {key: $to}) MERGE (a)-[r:%s]->(b) SET r += $props",
		from.Kind, to.Kind, kind)
	return n.exec(ctx, stmt, map[string]any{"from": from.Key, "to": to.Key, "props": nonNil(props)})
}

type neo4jResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// exec runs one Cypher statement in an auto-committed transaction.
func (n *Neo4jSink) exec(ctx context.Context, cypher string, params map[string]any) error {
	payload := map[string]any{
		"statements": []map[string]any{{
			"statement":  cypher,
			"parameters": params,
		}},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.Endpoint+"/db/"+n.Database+"/tx/commit", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if n.Username != "" {
		req.SetBasicAuth(n.Username, n.Password)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("neo4j: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("neo4j: status %s", resp.Status)
	}

	// Cypher errors come back with 200 and a non-empty errors array.
	var out neo4jResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("neo4j: decoding response: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("neo4j: %s: %s", out.Errors[0].Code, out.Errors[0].Message)
	}
	return nil
}

func nonNil(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return props
}
