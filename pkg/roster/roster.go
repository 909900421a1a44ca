// Package roster ведет список агентов и их статусов. Основной источник —
// push-события бэкенда; при молчании канала список периодически
// перечитывается целиком (pull-fallback).
package roster

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Presence нормализованный статус агента для UI.
type Presence string

const (
	PresenceRegistered Presence = "Registered"
	PresenceOnCall     Presence = "On Call"
	PresencePaused     Presence = "Paused"
	PresenceOffline    Presence = "Offline"
)

// NormalizeStatus сводит состояние устройства из бэкенда (формат Asterisk
// device state) к статусу для списка агентов. Флаг paused имеет приоритет
// над любым состоянием, кроме Offline.
func NormalizeStatus(deviceState string, paused bool) Presence {
	switch strings.ToUpper(strings.TrimSpace(deviceState)) {
	case "NOT_INUSE", "NOTINUSE":
		if paused {
			return PresencePaused
		}
		return PresenceRegistered
	case "INUSE", "BUSY", "RINGING", "RING", "RINGINUSE", "ONHOLD":
		return PresenceOnCall
	case "UNAVAILABLE", "INVALID", "UNKNOWN", "":
		return PresenceOffline
	default:
		if paused {
			return PresencePaused
		}
		return PresenceRegistered
	}
}

// Entry один агент в списке.
type Entry struct {
	Extension string    `json:"extension"`
	Name      string    `json:"name"`
	Presence  Presence  `json:"presence"`
	Paused    bool      `json:"paused"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store потокобезопасный список агентов с уведомлением об изменениях.
type Store struct {
	mu       sync.RWMutex
	byExt    map[string]Entry
	onChange func(Entry)
}

// NewStore создает пустой список.
func NewStore() *Store {
	return &Store{byExt: make(map[string]Entry)}
}

// OnChange устанавливает обработчик изменений. Вызывается синхронно
// при каждом реально изменившемся статусе.
func (s *Store) OnChange(h func(Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = h
}

// Apply применяет обновление одного агента. Возвращает true, если статус
// реально изменился.
func (s *Store) Apply(e Entry) bool {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	prev, ok := s.byExt[e.Extension]
	if ok && prev.Presence == e.Presence && prev.Paused == e.Paused && prev.Name == e.Name {
		s.mu.Unlock()
		return false
	}
	s.byExt[e.Extension] = e
	h := s.onChange
	s.mu.Unlock()

	if h != nil {
		h(e)
	}
	return true
}

// Replace целиком заменяет список (итог pull-обновления). Обработчик
// изменений вызывается только для реально изменившихся записей.
func (s *Store) Replace(entries []Entry) {
	now := time.Now()

	s.mu.Lock()
	next := make(map[string]Entry, len(entries))
	var changed []Entry
	for _, e := range entries {
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		next[e.Extension] = e
		prev, ok := s.byExt[e.Extension]
		if !ok || prev.Presence != e.Presence || prev.Paused != e.Paused || prev.Name != e.Name {
			changed = append(changed, e)
		}
	}
	for ext, prev := range s.byExt {
		if _, ok := next[ext]; !ok {
			gone := prev
			gone.Presence = PresenceOffline
			gone.UpdatedAt = now
			next[ext] = gone
			changed = append(changed, gone)
		}
	}
	s.byExt = next
	h := s.onChange
	s.mu.Unlock()

	if h != nil {
		for _, e := range changed {
			h(e)
		}
	}
}

// Get запись агента по номеру.
func (s *Store) Get(ext string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byExt[ext]
	return e, ok
}

// List все агенты, отсортированные по номеру.
func (s *Store) List() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.byExt))
	for _, e := range s.byExt {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	return out
}

// Targets номера агентов, доступных для перевода (зарегистрированы
// и не на паузе).
func (s *Store) Targets() []string {
	var out []string
	for _, e := range s.List() {
		if e.Presence == PresenceRegistered {
			out = append(out, e.Extension)
		}
	}
	return out
}
