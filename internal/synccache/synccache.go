// Package synccache persists the small pieces of local state that make
// incremental sync runs possible: one cursor per dataset, one message blob
// per dataset, and the last message a store-to-platform pass got to. Every
// value is its own human-readable file so operators can inspect and repair
// cache state directly.
package synccache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/engagekit/engagesync/internal/engagement"
)

// movedSuffix namespaces the secondary cursor tracking messages that were
// corrected away from a dataset.
const movedSuffix = "_moved"

type Cache struct {
	dir string
}

func New(dir string) (*Cache, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{dir: dir}, nil
}

// MovedKey returns the cursor key for dataset-correction events under the
// given dataset.
func MovedKey(dataset string) string {
	return dataset + movedSuffix
}

// Cursor returns the stored timestamp for the given key. The second return
// is false when no cursor has been written yet.
func (c *Cache) Cursor(key string) (time.Time, bool, error) {
	data, err := os.ReadFile(c.cursorPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

func (c *Cache) SetCursor(key string, ts time.Time) error {
	return c.writeFile(c.cursorPath(key), []byte(ts.UTC().Format(time.RFC3339Nano)))
}

// Messages returns the cached message set for the given key, or an empty
// slice if none has been stored.
func (c *Cache) Messages(key string) ([]engagement.Message, error) {
	data, err := os.ReadFile(c.messagesPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []engagement.Message{}, nil
		}
		return nil, err
	}
	var messages []engagement.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Cache) SetMessages(key string, messages []engagement.Message) error {
	if messages == nil {
		messages = []engagement.Message{}
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return err
	}
	return c.writeFile(c.messagesPath(key), data)
}

// LastSeenMessage returns the last message synced to the labeling platform
// for the given dataset, or nil if the dataset has never been synced.
func (c *Cache) LastSeenMessage(dataset string) (*engagement.Message, error) {
	data, err := os.ReadFile(c.lastSeenPath(dataset))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var msg engagement.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Cache) SetLastSeenMessage(dataset string, msg engagement.Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}
	return c.writeFile(c.lastSeenPath(dataset), data)
}

func (c *Cache) cursorPath(key string) string {
	return filepath.Join(c.dir, "cursor-"+sanitizeKey(key)+".txt")
}

func (c *Cache) messagesPath(key string) string {
	return filepath.Join(c.dir, "messages-"+sanitizeKey(key)+".json")
}

func (c *Cache) lastSeenPath(dataset string) string {
	return filepath.Join(c.dir, "last-seen-message-"+sanitizeKey(dataset)+".json")
}

func (c *Cache) writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// sanitizeKey keeps dataset names safe to use as file names.
func sanitizeKey(key string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return replacer.Replace(key)
}
