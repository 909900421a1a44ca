package transfer

import (
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/agent_phone/pkg/store"
)

// Record итог одной попытки перевода для журнала.
type Record struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Target         string    `json:"target"`
	OriginalCallID string    `json:"original_call_id"`
	Outcome        Status    `json:"outcome"`
	StatusCode     int       `json:"status_code,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Log журнал переводов поверх ограниченного JSON-хранилища.
// nil-журнал валиден: записи молча отбрасываются.
type Log struct {
	b *store.Bounded
}

// NewLog оборачивает хранилище в журнал переводов.
func NewLog(b *store.Bounded) *Log { return &Log{b: b} }

// Append синхронно дописывает запись.
func (l *Log) Append(r Record) error {
	if l == nil || l.b == nil {
		return nil
	}
	return errors.Wrap(l.b.Append(r), "append transfer record")
}

// Recent возвращает сохраненные записи от старых к новым.
func (l *Log) Recent() ([]Record, error) {
	if l == nil || l.b == nil {
		return nil, nil
	}
	var out []Record
	if err := l.b.Read(&out); err != nil {
		return nil, errors.Wrap(err, "read transfer history")
	}
	return out, nil
}
