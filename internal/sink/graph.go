package sink

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"

	"github.com/agentworkforce/relayindex/internal/indexer"
)

const (
	collectionFollow = "app.bsky.graph.follow"
	collectionLike   = "app.bsky.feed.like"

	actorVertices = "actors"
	postVertices  = "posts"
	followEdges   = "follows"
	likeEdges     = "likes"
)

type GraphConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

func (c GraphConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("arangodb URL is required")
	}
	if c.Username == "" {
		return fmt.Errorf("arangodb username is required")
	}
	if c.Database == "" {
		return fmt.Errorf("arangodb database name is required")
	}
	return nil
}

// aqlRunner executes an AQL statement with bind variables and discards the
// result.
type aqlRunner interface {
	Run(ctx context.Context, query string, bindVars map[string]any) error
}

type arangoRunner struct {
	db arangodb.Database
}

func (r arangoRunner) Run(ctx context.Context, query string, bindVars map[string]any) error {
	cursor, err := r.db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return fmt.Errorf("execute query: %w", err)
	}
	return cursor.Close()
}

// GraphSink maintains follow and like edges in ArangoDB. Other collections
// are ignored.
type GraphSink struct {
	runner aqlRunner
}

func NewGraphSink(ctx context.Context, cfg GraphConfig) (*GraphSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arangodb config: %w", err)
	}
	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))
	if err := conn.SetAuthentication(connection.NewBasicAuth(cfg.Username, cfg.Password)); err != nil {
		return nil, fmt.Errorf("arangodb auth: %w", err)
	}
	client := arangodb.NewClient(conn)

	db, err := ensureDatabase(ctx, client, cfg.Database)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{actorVertices, postVertices} {
		if err := ensureCollection(ctx, db, name, false); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{followEdges, likeEdges} {
		if err := ensureCollection(ctx, db, name, true); err != nil {
			return nil, err
		}
	}
	return &GraphSink{runner: arangoRunner{db: db}}, nil
}

func ensureDatabase(ctx context.Context, client arangodb.Client, name string) (arangodb.Database, error) {
	exists, err := client.DatabaseExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check database exists: %w", err)
	}
	if !exists {
		if _, err := client.CreateDatabase(ctx, name, nil); err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
		slog.InfoContext(ctx, "arangodb database created", "database", name)
	}
	db, err := client.GetDatabase(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("get database: %w", err)
	}
	return db, nil
}

func ensureCollection(ctx context.Context, db arangodb.Database, name string, isEdge bool) error {
	exists, err := db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s exists: %w", name, err)
	}
	if exists {
		return nil
	}
	colType := arangodb.CollectionTypeDocument
	if isEdge {
		colType = arangodb.CollectionTypeEdge
	}
	if _, err := db.CreateCollectionV2(ctx, name, &arangodb.CreateCollectionPropertiesV2{Type: &colType}); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	slog.InfoContext(ctx, "arangodb collection created", "collection", name, "is_edge", isEdge)
	return nil
}

type edge struct {
	from string
	to   string
}

const upsertEdgeQuery = `
UPSERT { _key: @key }
INSERT { _key: @key, _from: @from, _to: @to, uri: @uri, cid: @cid, seq: @seq }
UPDATE { cid: @cid, seq: @seq }
IN @@edges`

const removeEdgeQuery = `
REMOVE { _key: @key } IN @@edges OPTIONS { ignoreErrors: true }`

func (s *GraphSink) Process(ctx context.Context, op indexer.Operation) error {
	edgeCollection := edgeCollectionFor(op.Collection)
	if edgeCollection == "" {
		return nil
	}
	bind := map[string]any{
		"@edges": edgeCollection,
		"key":    documentKey(op.URI()),
	}
	if op.Action == indexer.ActionDelete {
		return s.runner.Run(ctx, removeEdgeQuery, bind)
	}

	e, err := edgeFor(op)
	if err != nil {
		return indexer.Permanent(err)
	}
	bind["from"] = e.from
	bind["to"] = e.to
	bind["uri"] = op.URI()
	bind["cid"] = op.CID
	bind["seq"] = op.Sequence
	return s.runner.Run(ctx, upsertEdgeQuery, bind)
}

func (s *GraphSink) Close() error { return nil }

func edgeCollectionFor(collection string) string {
	switch collection {
	case collectionFollow:
		return followEdges
	case collectionLike:
		return likeEdges
	default:
		return ""
	}
}

func edgeFor(op indexer.Operation) (edge, error) {
	from := actorVertices + "/" + documentKey(op.RepoDID)
	switch op.Collection {
	case collectionFollow:
		var record struct {
			Subject string `json:"subject"`
		}
		if err := json.Unmarshal(op.Value, &record); err != nil {
			return edge{}, fmt.Errorf("decode follow %s: %w", op.URI(), err)
		}
		if !strings.HasPrefix(record.Subject, "did:") {
			return edge{}, fmt.Errorf("follow %s: subject %q is not a did", op.URI(), record.Subject)
		}
		return edge{from: from, to: actorVertices + "/" + documentKey(record.Subject)}, nil
	case collectionLike:
		var record struct {
			Subject struct {
				URI string `json:"uri"`
			} `json:"subject"`
		}
		if err := json.Unmarshal(op.Value, &record); err != nil {
			return edge{}, fmt.Errorf("decode like %s: %w", op.URI(), err)
		}
		if !strings.HasPrefix(record.Subject.URI, "at://") {
			return edge{}, fmt.Errorf("like %s: subject uri %q is not an at-uri", op.URI(), record.Subject.URI)
		}
		return edge{from: from, to: postVertices + "/" + documentKey(record.Subject.URI)}, nil
	default:
		return edge{}, fmt.Errorf("no edge mapping for %s", op.Collection)
	}
}

// documentKey maps an identifier onto ArangoDB's restricted _key alphabet.
func documentKey(id string) string {
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:])
}
