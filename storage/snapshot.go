package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const snapshotVersion = 1

var ErrInvalidSnapshot = errors.New("storage: invalid snapshot")

// Snapshot returns the live items as a JSON document. Keys and values are
// base64 encoded since both are binary safe.
//
//	{"version":1,"cas":42,"items":[{"key":"Zm9v","value":"YmFy","flags":0,"expires_at":0,"cas":7}]}
func (s *Store) Snapshot() ([]byte, error) {
	items := []byte{'['}
	var err error

	s.Range(func(it *Item) bool {
		var entry []byte
		if entry, err = encodeItem(it); err != nil {
			return false
		}
		if len(items) > 1 {
			items = append(items, ',')
		}
		items = append(items, entry...)
		return true
	})
	if err != nil {
		return nil, err
	}
	items = append(items, ']')

	doc, err := sjson.SetBytes([]byte(`{}`), "version", snapshotVersion)
	if err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, "cas", s.cas.Load()); err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(doc, "items", items)
}

func encodeItem(it *Item) ([]byte, error) {
	entry := []byte(`{}`)
	fields := []struct {
		path  string
		value any
	}{
		{"key", base64.StdEncoding.EncodeToString(it.Key)},
		{"value", base64.StdEncoding.EncodeToString(it.Value)},
		{"flags", it.Flags},
		{"expires_at", it.ExpiresAt},
		{"cas", it.CAS},
	}

	var err error
	for _, f := range fields {
		if entry, err = sjson.SetBytes(entry, f.path, f.value); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// Restore loads the items of a document produced by Snapshot, replacing
// items with the same keys. Items already expired are skipped.
func (s *Store) Restore(data []byte) (int, error) {
	if !gjson.ValidBytes(data) {
		return 0, ErrInvalidSnapshot
	}
	if v := gjson.GetBytes(data, "version").Int(); v != snapshotVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, v)
	}

	now := s.now()
	restored := 0
	var err error

	gjson.GetBytes(data, "items").ForEach(func(_, entry gjson.Result) bool {
		var it *Item
		if it, err = decodeItem(entry); err != nil {
			return false
		}
		if it.expired(now) {
			return true
		}
		it.storedAt = now

		sh := s.shardFor(it.Key)
		sh.mu.Lock()
		s.put(sh, it)
		sh.mu.Unlock()
		restored++
		return true
	})
	if err != nil {
		return restored, err
	}

	// keep issuing CAS values above the restored ones
	if cas := gjson.GetBytes(data, "cas").Uint(); cas > s.cas.Load() {
		s.cas.Store(cas)
	}
	return restored, nil
}

func decodeItem(entry gjson.Result) (*Item, error) {
	key, err := base64.StdEncoding.DecodeString(entry.Get("key").String())
	if err != nil {
		return nil, fmt.Errorf("%w: key: %w", ErrInvalidSnapshot, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidSnapshot)
	}
	value, err := base64.StdEncoding.DecodeString(entry.Get("value").String())
	if err != nil {
		return nil, fmt.Errorf("%w: value: %w", ErrInvalidSnapshot, err)
	}

	return &Item{
		Key:       key,
		Value:     value,
		Flags:     uint32(entry.Get("flags").Uint()),
		ExpiresAt: entry.Get("expires_at").Int(),
		CAS:       entry.Get("cas").Uint(),
	}, nil
}

// SaveFile writes a snapshot to path, replacing it atomically.
func (s *Store) SaveFile(path string) error {
	data, err := s.Snapshot()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile restores a snapshot written by SaveFile. A missing file restores
// nothing and is not an error.
func (s *Store) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return s.Restore(data)
}
