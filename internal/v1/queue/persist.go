package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// fileRecord is the on-disk shape for one owner's queue (spec §6
// "Persisted state layout"): delivered sets serialize as arrays.
type fileRecord struct {
	OwnerID     string               `json:"owner-id"`
	Messages    []fileMessage        `json:"messages"`
	LastUpdated string               `json:"lastUpdated"`
}

type fileMessage struct {
	wire.QueuedMessage
}

type diskStore struct {
	dir string
}

func newDiskStore(dir string) (*diskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &diskStore{dir: dir}, nil
}

func fileName(owner string, isRoom bool) string {
	prefix := "user_"
	if isRoom {
		prefix = "room_"
	}
	return prefix + owner + ".json"
}

// writeFile persists one owner's queue using a write-temp-then-rename
// pattern so a crash mid-write never leaves a corrupt file in place (the
// same atomic-write discipline the teacher's config validation follows:
// never apply partial state).
func (s *diskStore) writeFile(owner string, isRoom bool, messages []*wire.QueuedMessage) error {
	rec := fileRecord{OwnerID: owner, LastUpdated: time.Now().Format(time.RFC3339Nano)}
	for _, m := range messages {
		m.DeliveredList = deliveredKeys(m.Delivered)
		rec.Messages = append(rec.Messages, fileMessage{*m})
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, fileName(owner, isRoom))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *diskStore) loadAll() (map[string]*ownerQueue, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	result := make(map[string]*ownerQueue)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		isRoom := strings.HasPrefix(entry.Name(), "room_")
		if !isRoom && !strings.HasPrefix(entry.Name(), "user_") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}

		oq := &ownerQueue{}
		for _, fm := range rec.Messages {
			m := fm.QueuedMessage
			m.Delivered = deliveredSet(m.DeliveredList)
			oq.messages = append(oq.messages, &m)
		}
		result[ownerKey(rec.OwnerID, isRoom)] = oq
	}
	return result, nil
}

func deliveredKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func deliveredSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func (q *Queue) loadAll() error {
	loaded, err := q.store.loadAll()
	if err != nil {
		return err
	}
	q.mu.Lock()
	for key, oq := range loaded {
		q.owners[key] = oq
	}
	q.mu.Unlock()
	return nil
}

func (q *Queue) flushDirty() {
	q.mu.Lock()
	owners := make(map[string]*ownerQueue, len(q.owners))
	for k, v := range q.owners {
		owners[k] = v
	}
	q.mu.Unlock()

	for key, oq := range owners {
		oq.mu.Lock()
		if !oq.dirty {
			oq.mu.Unlock()
			continue
		}
		messages := append([]*wire.QueuedMessage(nil), oq.messages...)
		oq.dirty = false
		oq.mu.Unlock()

		isRoom := strings.HasPrefix(key, "room:")
		owner := strings.TrimPrefix(strings.TrimPrefix(key, "room:"), "user:")
		_ = q.store.writeFile(owner, isRoom, messages)
	}
}
