// Package store — маленькое ограниченное JSON-хранилище списков.
// Используется для локальных сайд-таблиц клиента: журнала переводов и
// списка избранных. Это не база данных: один файл, один JSON-массив,
// атомарная перезапись через временный файл.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Bounded ограниченный список JSON-записей на диске (последние max элементов).
type Bounded struct {
	mu   sync.Mutex
	path string
	max  int

	items []json.RawMessage
}

// OpenBounded открывает (или создает) хранилище по пути path.
// max <= 0 означает "без ограничения".
func OpenBounded(path string, max int) (*Bounded, error) {
	b := &Bounded{path: path, max: max}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bounded) load() error {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read store file")
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &b.items); err != nil {
		return errors.Wrapf(err, "parse store file %s", b.path)
	}
	b.trim()
	return nil
}

func (b *Bounded) trim() {
	if b.max > 0 && len(b.items) > b.max {
		b.items = b.items[len(b.items)-b.max:]
	}
}

// Append добавляет запись в конец, вытесняя самые старые сверх лимита,
// и синхронно сбрасывает файл на диск.
func (b *Bounded) Append(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal store item")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, raw)
	b.trim()
	return b.flushLocked()
}

// Replace полностью заменяет содержимое списком v и сбрасывает на диск.
func (b *Bounded) Replace(vs []any) error {
	items := make([]json.RawMessage, 0, len(vs))
	for _, v := range vs {
		raw, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "marshal store item")
		}
		items = append(items, raw)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = items
	b.trim()
	return b.flushLocked()
}

// Read декодирует все записи в out (указатель на срез).
func (b *Bounded) Read(out any) error {
	b.mu.Lock()
	data, err := json.Marshal(b.items)
	b.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "marshal store items")
	}
	return errors.Wrap(json.Unmarshal(data, out), "decode store items")
}

// Len число записей.
func (b *Bounded) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Bounded) flushLocked() error {
	data, err := json.MarshalIndent(b.items, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal store")
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create store dir")
	}
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write store")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close store file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), b.path), "replace store file")
}
