// Package neo4j implements the graph adapter for document relations. Each
// document is a node; each relation is a typed edge carrying strength and
// confidence. Writes use MERGE on the canonical relation id so the
// (source, target, type) triple stays unique.
package neo4j

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"polystore.evalgo.org/backend"
	"polystore.evalgo.org/identity"
	"polystore.evalgo.org/model"
)

// Config configures the adapter.
type Config struct {
	// URI is the bolt URI (e.g. bolt://localhost:7687)
	URI string

	Username string
	Password string

	Logger *logrus.Entry
}

// Adapter stores document relations in Neo4j.
type Adapter struct {
	driver neo4j.DriverWithContext
	log    *logrus.Entry
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("backend", "neo4j")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	return &Adapter{driver: driver, log: cfg.Logger}, nil
}

// Name identifies the backend kind.
func (a *Adapter) Name() string { return "graph" }

// Put decodes the payload as a JSON array of relations and merges them into
// the graph in one write transaction. The native key is the document id; the
// canonical relation ids keep repeated puts idempotent.
func (a *Adapter) Put(ctx context.Context, documentID string, payload backend.Payload, opts backend.PutOptions) (string, error) {
	var relations []model.Relation
	if err := json.Unmarshal(payload.Data, &relations); err != nil {
		return "", backend.Permanent("graph.put", fmt.Errorf("decoding relations: %w", err))
	}
	for _, rel := range relations {
		if err := rel.Validate(); err != nil {
			return "", backend.Permanent("graph.put", err)
		}
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `
			MERGE (d:Document {id: $id})
			SET d.updated_by = $updatedBy
		`
		if _, err := tx.Run(ctx, query, map[string]interface{}{
			"id":        documentID,
			"updatedBy": documentID,
		}); err != nil {
			return nil, err
		}

		for _, rel := range relations {
			relQuery := `
				MERGE (s:Document {id: $sourceId})
				MERGE (t:Document {id: $targetId})
				MERGE (s)-[r:RELATES {id: $relId}]->(t)
				SET r.type = $type,
				    r.strength = $strength,
				    r.confidence = $confidence
			`
			params := map[string]interface{}{
				"sourceId":   rel.SourceID,
				"targetId":   rel.TargetID,
				"relId":      identity.RelationID(rel.SourceID, rel.TargetID, rel.Type),
				"type":       rel.Type,
				"strength":   rel.Strength,
				"confidence": rel.Confidence,
			}
			if _, err := tx.Run(ctx, relQuery, params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return "", classify("graph.put", err)
	}
	return documentID, nil
}

// Get returns the outgoing relations of a document as a JSON array.
func (a *Adapter) Get(ctx context.Context, documentID string) (backend.Payload, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `
			MATCH (s:Document {id: $id})-[r:RELATES]->(t:Document)
			RETURN t.id as targetId, r.type as type, r.strength as strength, r.confidence as confidence
		`
		res, err := tx.Run(ctx, query, map[string]interface{}{"id": documentID})
		if err != nil {
			return nil, err
		}

		var relations []model.Relation
		for res.Next(ctx) {
			record := res.Record()
			rel := model.Relation{SourceID: documentID}
			if v, ok := record.Get("targetId"); ok {
				rel.TargetID, _ = v.(string)
			}
			if v, ok := record.Get("type"); ok {
				rel.Type, _ = v.(string)
			}
			if v, ok := record.Get("strength"); ok {
				rel.Strength, _ = v.(float64)
			}
			if v, ok := record.Get("confidence"); ok {
				rel.Confidence, _ = v.(float64)
			}
			relations = append(relations, rel)
		}
		return relations, res.Err()
	})
	if err != nil {
		return backend.Payload{}, classify("graph.get", err)
	}

	relations := result.([]model.Relation)
	if len(relations) == 0 {
		return backend.Payload{}, backend.NotFound("graph.get", fmt.Errorf("no relations for document %s", documentID))
	}
	data, err := json.Marshal(relations)
	if err != nil {
		return backend.Payload{}, backend.Permanent("graph.get", err)
	}
	return backend.Payload{Data: data, ContentType: "application/json"}, nil
}

// Delete removes a single relation by native key, or with an empty key
// detaches and deletes the document node with all its edges. Absent nodes
// and edges succeed.
func (a *Adapter) Delete(ctx context.Context, documentID, nativeKey string) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		if nativeKey != "" && nativeKey != documentID {
			query := `
				MATCH ()-[r:RELATES {id: $relId}]->()
				DELETE r
			`
			_, err := tx.Run(ctx, query, map[string]interface{}{"relId": nativeKey})
			return nil, err
		}
		query := `
			MATCH (d:Document {id: $id})
			DETACH DELETE d
		`
		_, err := tx.Run(ctx, query, map[string]interface{}{"id": documentID})
		return nil, err
	})
	if err != nil {
		return classify("graph.delete", err)
	}
	return nil
}

// Health verifies driver connectivity.
func (a *Adapter) Health(ctx context.Context) backend.HealthStatus {
	if err := a.driver.VerifyConnectivity(ctx); err != nil {
		return backend.HealthStatus{State: backend.HealthDown, LastError: err.Error()}
	}
	return backend.HealthStatus{State: backend.HealthReachable}
}

// Close closes the driver.
func (a *Adapter) Close() error {
	return a.driver.Close(context.Background())
}

// classify maps driver errors onto the backend taxonomy. The driver already
// retries transient cluster errors internally, so remaining failures are
// split between connectivity (transient) and query errors (permanent).
func classify(op string, err error) error {
	if neo4j.IsConnectivityError(err) {
		return backend.Transient(op, err)
	}
	if neo4j.IsRetryable(err) {
		return backend.Transient(op, err)
	}
	if neo4j.IsNeo4jError(err) {
		return backend.Permanent(op, err)
	}
	return backend.Transient(op, err)
}
