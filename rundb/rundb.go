// Package rundb persists a record of every submitted batch so `kennel
// history` can list past runs. A thin bbolt wrapper grounded on
// builddb.DB: one bucket, JSON-encoded records, 0600 file mode — with the
// CRC-based change-detection half of builddb dropped, since kennel never
// decides whether to (re)submit a task based on content hashing.
package rundb

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketRuns = "runs"

// DB wraps a bbolt database of Run records.
type DB struct {
	db *bolt.DB
}

// Run is one submitted batch: who it was, when, and how every task in it
// ended up.
type Run struct {
	BatchID     string            `json:"batch_id"`
	ConfigName  string            `json:"config_name"`
	SubmitTime  time.Time         `json:"submit_time"`
	TaskCount   int               `json:"task_count"`
	FinalStates map[string]string `json:"final_states"`
}

// OpenDB opens or creates a bbolt database at path, creating the runs
// bucket if needed. 0600: the same permission builddb.OpenDB uses for a
// local, single-user database file.
func OpenDB(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRuns))
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, &Error{Op: "create bucket", Err: err}
	}
	return &DB{db: bdb}, nil
}

// Close closes the database. Safe to call on a nil-backed DB.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Save stores run, keyed by its BatchID, overwriting any previous record
// under the same key.
func (d *DB) Save(run *Run) error {
	if run.BatchID == "" {
		return &Error{Op: "save", Err: fmt.Errorf("run.BatchID must not be empty")}
	}
	data, err := json.Marshal(run)
	if err != nil {
		return &Error{Op: "marshal", Err: err}
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Put([]byte(run.BatchID), data)
	})
	if err != nil {
		return &Error{Op: "save", Err: err}
	}
	return nil
}

// List returns every stored run, most recently submitted first.
func (d *DB) List() ([]*Run, error) {
	var runs []*Run
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return &Error{Op: "unmarshal", Err: err}
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].SubmitTime.After(runs[j].SubmitTime)
	})
	return runs, nil
}

// Error wraps a rundb operation failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("rundb: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }
