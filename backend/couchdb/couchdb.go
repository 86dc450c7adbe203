// Package couchdb implements the document adapter on CouchDB via kivik.
// Records are stored as plain JSON documents keyed by the polystore document
// id; the adapter is revision-aware so repeated puts update in place instead
// of conflicting.
package couchdb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/sirupsen/logrus"

	"polystore.evalgo.org/backend"
)

// Config configures the adapter.
type Config struct {
	// URL is the CouchDB server URL (e.g. http://localhost:5984)
	URL string
	// Database is the database name.
	Database string

	Username string
	Password string

	// CreateIfMissing creates the database on startup when absent.
	CreateIfMissing bool

	Logger *logrus.Entry
}

// Adapter stores document-shaped payloads in CouchDB.
type Adapter struct {
	client *kivik.Client
	db     *kivik.DB
	log    *logrus.Entry
}

// New connects to CouchDB and binds the configured database.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("backend", "couchdb")
	}

	connectionURL := cfg.URL
	if cfg.Username != "" && cfg.Password != "" && !strings.Contains(connectionURL, "@") {
		parts := strings.SplitN(connectionURL, "://", 2)
		if len(parts) == 2 {
			connectionURL = fmt.Sprintf("%s://%s:%s@%s", parts[0], cfg.Username, cfg.Password, parts[1])
		}
	}

	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("creating couchdb client: %w", err)
	}

	db := client.DB(cfg.Database)
	if err := db.Err(); err != nil {
		if !cfg.CreateIfMissing {
			return nil, fmt.Errorf("opening couchdb database %s: %w", cfg.Database, err)
		}
		if err := client.CreateDB(ctx, cfg.Database); err != nil {
			return nil, fmt.Errorf("creating couchdb database %s: %w", cfg.Database, err)
		}
		db = client.DB(cfg.Database)
	}

	return &Adapter{client: client, db: db, log: cfg.Logger}, nil
}

// Name identifies the backend kind.
func (a *Adapter) Name() string { return "document" }

// Put upserts the payload as a CouchDB document. JSON payloads are stored
// natively; anything else goes under a base64 "data" field. The existing
// revision is fetched first so repeated puts replace instead of conflicting.
func (a *Adapter) Put(ctx context.Context, documentID string, payload backend.Payload, opts backend.PutOptions) (string, error) {
	doc := make(map[string]interface{})
	if json.Valid(payload.Data) {
		if err := json.Unmarshal(payload.Data, &doc); err != nil || len(doc) == 0 {
			doc = map[string]interface{}{"data": json.RawMessage(payload.Data)}
		}
	} else {
		doc = map[string]interface{}{"data": base64.StdEncoding.EncodeToString(payload.Data)}
	}
	doc["_id"] = documentID
	if payload.ContentType != "" {
		doc["content_type"] = payload.ContentType
	}
	for k, v := range payload.Metadata {
		doc["meta_"+k] = v
	}

	var existing map[string]interface{}
	if err := a.db.Get(ctx, documentID).ScanDoc(&existing); err == nil {
		if rev, ok := existing["_rev"].(string); ok {
			doc["_rev"] = rev
		}
	}

	if _, err := a.db.Put(ctx, documentID, doc); err != nil {
		return "", classify("document.put", err)
	}
	return documentID, nil
}

// Get returns the stored document as JSON bytes with CouchDB bookkeeping
// fields stripped.
func (a *Adapter) Get(ctx context.Context, documentID string) (backend.Payload, error) {
	var doc map[string]interface{}
	if err := a.db.Get(ctx, documentID).ScanDoc(&doc); err != nil {
		return backend.Payload{}, classify("document.get", err)
	}
	delete(doc, "_id")
	delete(doc, "_rev")

	contentType, _ := doc["content_type"].(string)
	delete(doc, "content_type")

	data, err := json.Marshal(doc)
	if err != nil {
		return backend.Payload{}, backend.Permanent("document.get", err)
	}
	return backend.Payload{Data: data, ContentType: contentType}, nil
}

// Delete removes the document. Absent documents succeed.
func (a *Adapter) Delete(ctx context.Context, documentID, nativeKey string) error {
	var doc map[string]interface{}
	err := a.db.Get(ctx, documentID).ScanDoc(&doc)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify("document.delete", err)
	}
	rev, _ := doc["_rev"].(string)
	if _, err := a.db.Delete(ctx, documentID, rev); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify("document.delete", err)
	}
	return nil
}

// Health pings the server.
func (a *Adapter) Health(ctx context.Context) backend.HealthStatus {
	up, err := a.client.Ping(ctx)
	if err != nil {
		return backend.HealthStatus{State: backend.HealthDown, LastError: err.Error()}
	}
	if !up {
		return backend.HealthStatus{State: backend.HealthDegraded, LastError: "server not ready"}
	}
	return backend.HealthStatus{State: backend.HealthReachable}
}

// Close closes the client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func isNotFound(err error) bool {
	return kivik.HTTPStatus(err) == http.StatusNotFound
}

// classify maps kivik errors onto the backend taxonomy via HTTP status.
func classify(op string, err error) error {
	switch status := kivik.HTTPStatus(err); {
	case status == http.StatusNotFound:
		return backend.NotFound(op, err)
	case status == http.StatusConflict:
		return backend.Conflict(op, err)
	case status == http.StatusTooManyRequests:
		return backend.Backpressure(op, err)
	case status >= 500:
		return backend.Transient(op, err)
	case status >= 400:
		return backend.Permanent(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &backend.Error{Kind: backend.KindDeadline, Op: op, Err: err}
	}
	return backend.Transient(op, err)
}
