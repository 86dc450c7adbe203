package saga

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const executionsBucket = "saga_executions"

// StateStore persists execution records in a local bbolt database so crashed
// sagas can be replayed. Writes are serialized per saga id by the caller;
// bbolt serializes the file-level transactions.
type StateStore struct {
	db *bolt.DB
}

// OpenState opens or creates the bbolt database at path.
func OpenState(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening saga state %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(executionsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating saga state bucket: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Save upserts an execution record.
func (s *StateStore) Save(rec *ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling execution record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(executionsBucket)).Put([]byte(rec.SagaID), data)
	})
}

// Load returns the record for sagaID, or nil when absent.
func (s *StateStore) Load(sagaID string) (*ExecutionRecord, error) {
	var rec *ExecutionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(executionsBucket)).Get([]byte(sagaID))
		if data == nil {
			return nil
		}
		rec = &ExecutionRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("loading execution record %s: %w", sagaID, err)
	}
	return rec, nil
}

// Delete removes the record for sagaID. Absent records are not an error.
func (s *StateStore) Delete(sagaID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(executionsBucket)).Delete([]byte(sagaID))
	})
}

// Close closes the database.
func (s *StateStore) Close() error {
	return s.db.Close()
}
