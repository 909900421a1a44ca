package connection

import (
	"math/rand"
	"time"
)

// Backoff экспоненциальная задержка переподключения с потолком и джиттером.
// Delay — чистая функция от номера попытки, джиттер добавляется отдельно,
// чтобы рост задержки можно было проверить детерминированно.
type Backoff struct {
	// Base задержка первой попытки.
	Base time.Duration
	// Cap потолок задержки.
	Cap time.Duration
	// MaxRetries максимум попыток; дальше — фатальное состояние.
	MaxRetries int
	// Jitter верхняя граница случайной добавки.
	Jitter time.Duration
}

// DefaultBackoff настройки по умолчанию: 1s базовая, потолок 10s, 8 попыток.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Cap:        10 * time.Second,
		MaxRetries: 8,
		Jitter:     250 * time.Millisecond,
	}
}

// Delay задержка перед попыткой retry (без джиттера):
// min(Base * 2^retry, Cap).
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := b.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// DelayWithJitter задержка со случайной добавкой [0, Jitter).
func (b Backoff) DelayWithJitter(retry int) time.Duration {
	d := b.Delay(retry)
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return d
}

// Exhausted превышен ли лимит попыток.
func (b Backoff) Exhausted(retry int) bool {
	return b.MaxRetries > 0 && retry >= b.MaxRetries
}
