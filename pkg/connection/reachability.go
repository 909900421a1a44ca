package connection

import (
	"log/slog"
	"strings"
	"time"
)

// Signals независимо обновляющиеся сигналы доступности агента.
// Contact URI и срок регистрации приходят от SIP-регистратора, backend-флаг —
// от AMI/бэкенда через roster. Сигналы слабо согласованы и могут расходиться.
type Signals struct {
	// ContactURI адрес регистрации; "sip:<ext>@offline" означает оффлайн.
	ContactURI string
	// ExpiresAt срок действия регистрации; нулевое значение — срок неизвестен.
	ExpiresAt time.Time
	// BackendOnline бэкенд явно сообщает, что агент онлайн/зарегистрирован.
	BackendOnline bool
}

// contactAlive валиден ли contact URI и не истекла ли регистрация.
func (s Signals) contactAlive(now time.Time) bool {
	if s.ContactURI == "" || strings.HasSuffix(s.ContactURI, "@offline") {
		return false
	}
	return s.ExpiresAt.IsZero() || s.ExpiresAt.After(now)
}

// Reachable сводит сигналы в один булев флаг доступности.
//
// Правило (поведение продакшен-клиента, менять нельзя): агент доступен, если
// (a) contact URI не оффлайновый и регистрация не истекла, либо
// (b) бэкенд явно сообщает онлайн — fallback на случай, когда данные
// регистратора устарели или недоступны.
// (a) проверяется первым; (b) — только запасной источник.
func Reachable(s Signals, now time.Time) bool {
	if s.contactAlive(now) {
		return true
	}
	return s.BackendOnline
}

// Disagreement расходятся ли сигналы между собой. Двухканальная сверка
// принципиально гоночная: расхождения не чинятся молча, а подсвечиваются
// телеметрией (см. spec open question).
func Disagreement(s Signals, now time.Time) bool {
	return s.contactAlive(now) != s.BackendOnline
}

// LogDisagreement пишет WARN с обоими сигналами.
func LogDisagreement(s Signals, now time.Time) {
	slog.Warn("reachability signals disagree",
		slog.String("contact_uri", s.ContactURI),
		slog.Time("expires_at", s.ExpiresAt),
		slog.Bool("backend_online", s.BackendOnline),
		slog.Bool("effective", Reachable(s, now)))
}
