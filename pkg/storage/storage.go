// Package storage is the persistence layer backing the TaskHandler and
// the CLI's workflow/job/template/config commands: one bbolt bucket per
// entity, JSON-encoded records, grounded on the teacher's BoltStore.
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/warden/pkg/corerr"
	"github.com/cuemby/warden/pkg/types"
)

var (
	bucketRunningTasks = []byte("running_tasks")
	bucketDescriptors  = []byte("descriptors")
	bucketHistory      = []byte("history")
	bucketNodeHistory  = []byte("node_history")
	bucketTemplates    = []byte("templates")
	bucketConfigs      = []byte("configs")
)

var allBuckets = [][]byte{bucketRunningTasks, bucketDescriptors, bucketHistory, bucketNodeHistory, bucketTemplates, bucketConfigs}

// Store is the bbolt-backed persistence layer.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if absent) the database file warden.db under
// dataDir, ensuring every bucket exists.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "warden.db")
	db, err := ensureBuckets(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: dbPath}, nil
}

func ensureBuckets(dbPath string) (*bolt.DB, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	data := b.Get([]byte(key))
	if data == nil {
		return corerr.New(corerr.KindNotFound, fmt.Sprintf("%s/%s", bucket, key))
	}
	return json.Unmarshal(data, v)
}

// --- RunningTask store ---

// SaveRunningTask upserts rt, called after every step transition per
// spec.md §4.4.
func (s *Store) SaveRunningTask(rt *types.RunningTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRunningTasks, string(rt.ID), rt)
	})
}

// DeleteRunningTask removes a RunningTask; called when a task is archived
// after finishing or being cancelled.
func (s *Store) DeleteRunningTask(id types.TaskID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunningTasks).Delete([]byte(id))
	})
}

// ListRunningTasks loads every persisted RunningTask, used on startup
// recovery.
func (s *Store) ListRunningTasks() ([]*types.RunningTask, error) {
	var out []*types.RunningTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunningTasks).ForEach(func(k, v []byte) error {
			var rt types.RunningTask
			if err := json.Unmarshal(v, &rt); err != nil {
				return err
			}
			out = append(out, &rt)
			return nil
		})
	})
	return out, err
}

// --- Descriptor store ---

// SaveDescriptor upserts a Workflow or Job descriptor.
func (s *Store) SaveDescriptor(d *types.Descriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketDescriptors, string(d.ID), d)
	})
}

// GetDescriptor loads a descriptor by ID.
func (s *Store) GetDescriptor(id types.TaskDescriptorID) (*types.Descriptor, error) {
	var d types.Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketDescriptors, string(id), &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDescriptor removes a descriptor definition.
func (s *Store) DeleteDescriptor(id types.TaskDescriptorID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDescriptors).Delete([]byte(id))
	})
}

// ListDescriptors loads every persisted descriptor, optionally filtered
// by kind ("" means both workflows and jobs).
func (s *Store) ListDescriptors(kind types.DescriptorKind) ([]*types.Descriptor, error) {
	var out []*types.Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDescriptors).ForEach(func(k, v []byte) error {
			var d types.Descriptor
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if kind == "" || d.Kind == kind {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

// --- History store ---

// HistoryRecord archives a terminal RunningTask for the
// `workflows history` CLI command.
type HistoryRecord struct {
	TaskID     types.TaskID
	Descriptor string
	State      types.TaskState
	StartedAt  int64
	FinishedAt int64
	DurationMS int64
	StepStates []types.StepState
}

// AppendHistory archives a finished task's record.
func (s *Store) AppendHistory(rec HistoryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketHistory, string(rec.TaskID), rec)
	})
}

// ListHistory returns every archived history record.
func (s *Store) ListHistory() ([]HistoryRecord, error) {
	var out []HistoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(k, v []byte) error {
			var rec HistoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// --- Node-change history store, for the top-level `history` CLI command
// (distinct from the task-run HistoryRecord above, which backs
// `workflows history`) ---

// NodeChangeKind classifies one entry in a node's change history.
type NodeChangeKind string

const (
	NodeCreated NodeChangeKind = "node_created"
	NodeUpdated NodeChangeKind = "node_updated"
	NodeDeleted NodeChangeKind = "node_deleted"
)

// NodeHistoryEntry records one observed change to a graph node.
type NodeHistoryEntry struct {
	NodeID string
	Kind   NodeChangeKind
	At     int64 // unix seconds
}

// AppendNodeHistory appends one change entry, keyed so repeated changes to
// the same node at different times don't collide.
func (s *Store) AppendNodeHistory(entry NodeHistoryEntry) error {
	key := fmt.Sprintf("%s|%d", entry.NodeID, entry.At)
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketNodeHistory, key, entry)
	})
}

// ListNodeHistory returns every recorded node-change entry.
func (s *Store) ListNodeHistory() ([]NodeHistoryEntry, error) {
	var out []NodeHistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeHistory).ForEach(func(k, v []byte) error {
			var entry NodeHistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

// --- Template store (named documents whose "body" holds a text/template
// source, managed and rendered by the `templates` CLI command) ---

// SaveTemplate upserts a named template document.
func (s *Store) SaveTemplate(name string, doc map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTemplates, name, doc)
	})
}

// GetTemplate loads a named template document.
func (s *Store) GetTemplate(name string) (map[string]any, error) {
	var doc map[string]any
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketTemplates, name, &doc)
	})
	return doc, err
}

// DeleteTemplate removes a named template.
func (s *Store) DeleteTemplate(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).Delete([]byte(name))
	})
}

// ListTemplateNames returns every stored template's name.
func (s *Store) ListTemplateNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// --- Config store (named YAML/JSON blobs referenced by the `configs`
// CLI command) ---

// SaveConfig upserts a named configuration blob.
func (s *Store) SaveConfig(name string, doc map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketConfigs, name, doc)
	})
}

// GetConfig loads a named configuration blob.
func (s *Store) GetConfig(name string) (map[string]any, error) {
	var doc map[string]any
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketConfigs, name, &doc)
	})
	return doc, err
}

// --- Backup / Restore, for the `system backup` CLI command ---

// Backup writes a consistent snapshot of the entire database to w.
func (s *Store) Backup(w io.Writer) error {
	return s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

// Restore replaces the database contents with the snapshot read from r.
// The store is closed and reopened against the new file; callers must
// not use any previously obtained records concurrently with a restore.
func (s *Store) Restore(r io.Reader) error {
	if err := s.db.Close(); err != nil {
		return err
	}

	tmpPath := s.path + ".restore"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	db, err := ensureBuckets(s.path)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}
