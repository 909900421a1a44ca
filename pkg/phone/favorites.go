package phone

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/arzzra/agent_phone/pkg/store"
)

// Favorite закладка быстрого набора.
type Favorite struct {
	Extension string `json:"extension"`
	Name      string `json:"name"`
}

// Favorites список быстрого набора с синхронной записью на диск.
type Favorites struct {
	mu    sync.Mutex
	items []Favorite
	b     *store.Bounded
}

// LoadFavorites читает список из хранилища.
func LoadFavorites(b *store.Bounded) (*Favorites, error) {
	f := &Favorites{b: b}
	if b != nil {
		if err := b.Read(&f.items); err != nil {
			return nil, errors.Wrap(err, "load favorites")
		}
	}
	return f, nil
}

// Add добавляет закладку; повторное добавление обновляет имя.
func (f *Favorites) Add(fav Favorite) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	replaced := false
	for i, it := range f.items {
		if it.Extension == fav.Extension {
			f.items[i] = fav
			replaced = true
			break
		}
	}
	if !replaced {
		f.items = append(f.items, fav)
	}
	return f.persistLocked()
}

// Remove убирает закладку по номеру.
func (f *Favorites) Remove(ext string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := f.items[:0]
	for _, it := range f.items {
		if it.Extension != ext {
			out = append(out, it)
		}
	}
	f.items = out
	return f.persistLocked()
}

// List копия текущего списка.
func (f *Favorites) List() []Favorite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Favorite, len(f.items))
	copy(out, f.items)
	return out
}

func (f *Favorites) persistLocked() error {
	if f.b == nil {
		return nil
	}
	vs := make([]any, len(f.items))
	for i, it := range f.items {
		vs[i] = it
	}
	return errors.Wrap(f.b.Replace(vs), "persist favorites")
}
