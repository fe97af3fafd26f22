package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/reporthub/reporthub/pkg/types"
)

var dataDirBucket = []byte("datadirs")

type dataDirEntry struct {
	Path string `json:"path"`
	// RemoveAfter is the epoch second after which the directory may be
	// deleted. Zero means the task is not terminal yet and the directory is
	// pinned.
	RemoveAfter int64 `json:"remove_after"`
}

// Ledger tracks per-task data directories in a host-local bolt file so that
// removal grace deadlines survive server restarts. The ledger is strictly
// local: in clustered deployments each server sweeps only directories it
// created itself.
type Ledger struct {
	db *bolt.DB
}

// OpenLedger opens (or creates) the data-directory ledger at path
func OpenLedger(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open data-dir ledger: %v", types.ErrTransient, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataDirBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to init data-dir ledger: %v", types.ErrTransient, err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the ledger
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record pins a task's data directory in the ledger
func (l *Ledger) Record(token, path string) error {
	return l.put(token, dataDirEntry{Path: path})
}

// SetDeadline stamps the time after which a task's directory may go
func (l *Ledger) SetDeadline(token string, removeAfter time.Time) error {
	entry, ok, err := l.get(token)
	if err != nil || !ok {
		return err
	}
	entry.RemoveAfter = removeAfter.UTC().Unix()
	return l.put(token, entry)
}

// Path returns the recorded directory for a token, empty if none
func (l *Ledger) Path(token string) (string, error) {
	entry, ok, err := l.get(token)
	if err != nil || !ok {
		return "", err
	}
	return entry.Path, nil
}

// Forget removes the ledger entry and deletes the directory immediately
func (l *Ledger) Forget(token string) error {
	entry, ok, err := l.get(token)
	if err != nil {
		return err
	}
	if ok && entry.Path != "" {
		if err := os.RemoveAll(entry.Path); err != nil {
			return fmt.Errorf("failed to remove data directory: %w", err)
		}
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataDirBucket).Delete([]byte(token))
	})
}

// Sweep deletes every directory whose deadline passed before now and drops
// its entry. Returns the number of directories removed.
func (l *Ledger) Sweep(now time.Time) (int, error) {
	type victim struct {
		token string
		path  string
	}
	var victims []victim

	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataDirBucket).ForEach(func(k, v []byte) error {
			var entry dataDirEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				// Unreadable entry, schedule for removal.
				victims = append(victims, victim{token: string(k)})
				return nil
			}
			if entry.RemoveAfter != 0 && entry.RemoveAfter < now.UTC().Unix() {
				victims = append(victims, victim{token: string(k), path: entry.Path})
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: ledger sweep failed: %v", types.ErrTransient, err)
	}

	removed := 0
	for _, v := range victims {
		if v.path != "" {
			if err := os.RemoveAll(v.path); err != nil {
				continue
			}
		}
		err := l.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(dataDirBucket).Delete([]byte(v.token))
		})
		if err != nil {
			return removed, fmt.Errorf("%w: ledger sweep failed: %v", types.ErrTransient, err)
		}
		removed++
	}
	return removed, nil
}

// PinnedTokens returns the tokens whose directories have no removal
// deadline yet. The reaper promotes these to a grace deadline once their
// task turns terminal.
func (l *Ledger) PinnedTokens() ([]string, error) {
	var tokens []string
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataDirBucket).ForEach(func(k, v []byte) error {
			var entry dataDirEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.RemoveAfter == 0 {
				tokens = append(tokens, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list pinned entries: %v", types.ErrTransient, err)
	}
	return tokens, nil
}

// Tokens returns every token with a ledger entry
func (l *Ledger) Tokens() ([]string, error) {
	var tokens []string
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataDirBucket).ForEach(func(k, _ []byte) error {
			tokens = append(tokens, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list ledger entries: %v", types.ErrTransient, err)
	}
	return tokens, nil
}

func (l *Ledger) get(token string) (dataDirEntry, bool, error) {
	var entry dataDirEntry
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(dataDirBucket).Get([]byte(token))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return dataDirEntry{}, false, fmt.Errorf("%w: failed to read ledger entry: %v", types.ErrTransient, err)
	}
	return entry, found, nil
}

func (l *Ledger) put(token string, entry dataDirEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: failed to encode ledger entry: %v", types.ErrTransient, err)
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataDirBucket).Put([]byte(token), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to write ledger entry: %v", types.ErrTransient, err)
	}
	return nil
}
