// Package phone собирает компоненты агентского телефона в одно целое:
// машину вызова, супервизор регистрации, координатор переводов, список
// агентов и клиент бэкенда. Наружу отдается плоский API для UI.
package phone

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/agent_phone/pkg/backend"
	"github.com/arzzra/agent_phone/pkg/call"
	"github.com/arzzra/agent_phone/pkg/config"
	"github.com/arzzra/agent_phone/pkg/connection"
	"github.com/arzzra/agent_phone/pkg/engine"
	"github.com/arzzra/agent_phone/pkg/guard"
	"github.com/arzzra/agent_phone/pkg/roster"
	"github.com/arzzra/agent_phone/pkg/store"
	"github.com/arzzra/agent_phone/pkg/transfer"
)

// имена push-сообщений бэкенда
const (
	msgExtensionStatus     = "extension:status"
	msgStatusChange        = "statusChange"
	msgAgentStatus         = "agent:status"
	msgAvailabilityChanged = "extension:availability_changed"

	teardownTimeout        = 5 * time.Second
	defaultTransferHistory = 50
)

// Options зависимости телефона.
type Options struct {
	Config *config.Config
	Engine engine.Engine
	// Audio локальные звуковые сигналы; nil — без звука.
	Audio call.AudioController
	// OnSnapshot срез состояния вызова для UI.
	OnSnapshot func(call.Snapshot)
	// OnNotice пользовательские сообщения (отказы, сбои).
	OnNotice func(string)
	// OnRosterChange изменение статуса агента в списке.
	OnRosterChange func(roster.Entry)
	// OnFatal исчерпаны попытки восстановления регистрации.
	OnFatal func()
}

// Phone агентский телефон.
type Phone struct {
	cfg  *config.Config
	sess *guard.SessionContext
	eng  engine.Engine

	machine    *call.Machine
	supervisor *connection.Supervisor
	transfers  *transfer.Coordinator
	agents     *roster.Store
	refresher  *roster.Refresher
	rest       *backend.Client
	push       *backend.WSClient
	favorites  *Favorites
	metrics    *Metrics

	regSub *engine.Subscription

	mu          sync.Mutex
	lastStatus  call.Status
	lastDir     call.Direction
	callOutcome string

	onNotice func(string)
}

// New собирает телефон. Запуск фоновых частей — Start.
func New(opts Options) (*Phone, error) {
	cfg := opts.Config
	sess := guard.NewSessionContext()

	p := &Phone{
		cfg:      cfg,
		sess:     sess,
		eng:      opts.Engine,
		agents:   roster.NewStore(),
		metrics:  NewMetrics(),
		onNotice: opts.OnNotice,
	}
	if opts.OnRosterChange != nil {
		p.agents.OnChange(opts.OnRosterChange)
	}

	historyLimit := cfg.Transfer.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultTransferHistory
	}
	transferStore, err := store.OpenBounded(filepath.Join(cfg.Storage.Dir, "transfers.json"), historyLimit)
	if err != nil {
		return nil, errors.Wrap(err, "open transfer history")
	}
	favStore, err := store.OpenBounded(filepath.Join(cfg.Storage.Dir, "favorites.json"), 0)
	if err != nil {
		return nil, errors.Wrap(err, "open favorites")
	}
	p.favorites, err = LoadFavorites(favStore)
	if err != nil {
		return nil, err
	}

	p.supervisor = connection.NewSupervisor(connection.Options{
		Session:        sess,
		Engine:         opts.Engine,
		Backoff:        connection.Backoff{Base: cfg.Reconnect.Base, Cap: cfg.Reconnect.Cap, MaxRetries: cfg.Reconnect.MaxRetries, Jitter: cfg.Reconnect.Jitter},
		DebounceWindow: cfg.Reconnect.DebounceWindow,
		HealthInterval: cfg.Reconnect.HealthInterval,
		OnReachable:    p.metrics.SetReachable,
		OnFatal:        opts.OnFatal,
		OnDisagreement: func(connection.Signals) { p.metrics.RecordDisagreement() },
	})

	p.machine = call.NewMachine(call.Options{
		Session:   sess,
		Engine:    opts.Engine,
		Audio:     opts.Audio,
		Reachable: p.supervisor.Reachable,
	})
	p.machine.OnChange(func(s call.Snapshot) {
		p.trackCall(s)
		if opts.OnSnapshot != nil {
			opts.OnSnapshot(s)
		}
	})
	p.machine.OnNotification(p.notice)

	p.transfers = transfer.NewCoordinator(transfer.Options{
		Session:  sess,
		Engine:   opts.Engine,
		Call:     p.machine,
		History:  transfer.NewLog(transferStore),
		Timeout:  cfg.Transfer.CompletionTimeout,
		OnNotify: p.notice,
		OnFinished: func(r transfer.Record) {
			p.metrics.RecordTransfer(string(r.Kind), string(r.Outcome))
		},
	})

	if cfg.Backend.APIURL != "" {
		p.rest, err = backend.NewClient(cfg.Backend.APIURL, cfg.Backend.Token)
		if err != nil {
			return nil, err
		}
		p.refresher = roster.NewRefresher(roster.RefresherOptions{
			Session: sess,
			Store:   p.agents,
			Fetch:   p.fetchRoster,
		})
	}
	if cfg.Backend.WSURL != "" {
		disp := backend.NewDispatcher()
		for _, name := range []string{msgExtensionStatus, msgStatusChange, msgAgentStatus} {
			disp.Register(name, p.handleStatusPush)
		}
		disp.Register(msgAvailabilityChanged, p.handleAvailabilityPush)
		p.push = backend.NewWSClient(backend.WSOptions{
			Session:    sess,
			URL:        cfg.Backend.WSURL,
			Token:      cfg.Backend.Token,
			Dispatcher: disp,
			Backoff:    connection.Backoff{Base: cfg.Reconnect.Base, Cap: cfg.Reconnect.Cap, Jitter: cfg.Reconnect.Jitter},
			OnDown: func(error) {
				// Канал push упал — по дефолту считаем бэкенд-флаг оффлайновым,
				// доступность держится на SIP-регистрации.
				p.supervisor.SetBackendOnline(false)
			},
		})
	}

	return p, nil
}

// Start запускает фоновые части и подписки. Регистрацию на SIP-сервере
// выполняет Register.
func (p *Phone) Start() {
	p.machine.Start()
	p.transfers.Start()
	p.supervisor.Start()
	if p.push != nil {
		p.push.Start()
	}
	if p.refresher != nil {
		p.refresher.Start()
	}
	p.regSub = p.eng.Events().Subscribe(engine.TopicRegistration, func(ev engine.Event) {
		re := ev.(engine.RegistrationEvent)
		if re.State == engine.RegRegistering {
			p.metrics.RecordReconnect()
		}
	})
}

// Register выполняет начальную SIP-регистрацию через супервизор,
// чтобы состояние соединения отражало попытку сразу, не дожидаясь
// дебаунса событий регистрации.
func (p *Phone) Register(ctx context.Context) error {
	return errors.Wrap(p.supervisor.Connect(ctx), "register")
}

// Управление вызовом.

func (p *Phone) Dial(ctx context.Context, number string) error {
	return p.machine.Dial(ctx, number, engine.CallOptions{DisplayName: p.cfg.SIP.DisplayName})
}

func (p *Phone) Answer(ctx context.Context) error {
	return p.machine.Answer(ctx, engine.CallOptions{})
}

func (p *Phone) Hangup(ctx context.Context) error { return p.machine.Hangup(ctx) }

func (p *Phone) ToggleMute(ctx context.Context) (bool, error) { return p.machine.ToggleMute(ctx) }

func (p *Phone) Hold(ctx context.Context) error   { return p.machine.Hold(ctx) }
func (p *Phone) Unhold(ctx context.Context) error { return p.machine.Unhold(ctx) }

// CallSnapshot текущее состояние вызова.
func (p *Phone) CallSnapshot() call.Snapshot { return p.machine.Snapshot() }

// ConnectionSnapshot состояние регистрации и доступности.
func (p *Phone) ConnectionSnapshot() connection.Snapshot { return p.supervisor.Snapshot() }

// Переводы.

func (p *Phone) BlindTransfer(ctx context.Context, target string) error {
	return p.transfers.Blind(ctx, target)
}

func (p *Phone) StartAttendedTransfer(ctx context.Context, target string) error {
	return p.transfers.StartAttended(ctx, target)
}

func (p *Phone) CompleteTransfer(ctx context.Context) error { return p.transfers.Complete(ctx) }
func (p *Phone) CancelTransfer(ctx context.Context) error   { return p.transfers.Cancel(ctx) }

// TransferHistory сохраненные итоги переводов.
func (p *Phone) TransferHistory() ([]transfer.Record, error) { return p.transfers.History() }

// Список агентов и избранное.

func (p *Phone) Agents() []roster.Entry       { return p.agents.List() }
func (p *Phone) TransferTargets() []string    { return p.agents.Targets() }
func (p *Phone) Favorites() []Favorite        { return p.favorites.List() }
func (p *Phone) AddFavorite(f Favorite) error { return p.favorites.Add(f) }
func (p *Phone) RemoveFavorite(ext string) error {
	return p.favorites.Remove(ext)
}

// Metrics доступ к registry для экспорта.
func (p *Phone) Metrics() *Metrics { return p.metrics }

// SetPaused публикует паузу агента в бэкенд.
func (p *Phone) SetPaused(ctx context.Context, paused bool) error {
	if !p.sess.Active() {
		return nil
	}
	if p.rest == nil {
		return errors.New("phone: backend is not configured")
	}
	return p.rest.SetPresence(ctx, p.cfg.SIP.Extension, paused)
}

// Logout — одноходовый выход. Первый вызов запускает best-effort teardown,
// повторные вызовы — no-op. После Logout все операции телефона игнорируются.
func (p *Phone) Logout() {
	if !p.sess.BeginLogout() {
		return
	}
	slog.Info("phone: logout started")

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	inCall := p.machine.Status() != call.StatusIdle

	steps := []guard.TeardownStep{
		{Name: "abort_transfer", Run: func(context.Context) error {
			p.transfers.Abort()
			return nil
		}},
	}
	if inCall {
		steps = append(steps, guard.TeardownStep{Name: "end_call", Run: p.eng.EndCall})
	}
	steps = append(steps,
		guard.TeardownStep{Name: "unregister", Run: p.eng.Unregister},
	)
	if p.rest != nil {
		steps = append(steps, guard.TeardownStep{Name: "notify_backend", Run: func(ctx context.Context) error {
			return p.rest.NotifyLogout(ctx, p.cfg.SIP.Extension)
		}})
	}

	for name, err := range guard.RunTeardown(ctx, steps...) {
		slog.Warn("phone: teardown step failed",
			slog.String("step", name),
			slog.String("error", err.Error()))
	}

	if p.push != nil {
		p.push.Close()
	}
	if p.refresher != nil {
		p.refresher.Stop()
	}
	if p.regSub != nil {
		p.regSub.Close()
	}
	p.transfers.Close()
	p.machine.Close()
	p.supervisor.Stop()
	slog.Info("phone: logout finished")
}

// Внутреннее.

func (p *Phone) notice(msg string) {
	p.mu.Lock()
	p.callOutcome = "failed"
	p.mu.Unlock()
	if p.onNotice != nil {
		p.onNotice(msg)
	}
}

// trackCall ведет метрики по снапшотам машины вызова. Завершением вызова
// считается возврат в Idle из любого другого состояния.
func (p *Phone) trackCall(s call.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.SetCallActive(s.Status != call.StatusIdle)

	if s.Status == call.StatusIdle && p.lastStatus != call.StatusIdle && p.lastStatus != "" {
		outcome := p.callOutcome
		if outcome == "" {
			outcome = "completed"
		}
		p.metrics.RecordCall(p.lastDir.String(), outcome)
		p.callOutcome = ""
	}
	p.lastStatus = s.Status
	if s.Direction != call.DirectionNone {
		p.lastDir = s.Direction
	}
}

type pushStatus struct {
	Extension   string `json:"extension"`
	Name        string `json:"name"`
	DeviceState string `json:"device_state"`
	Paused      bool   `json:"paused"`
	Registered  bool   `json:"registered"`
}

func (p *Phone) handleStatusPush(msg backend.Message) error {
	if !p.sess.Active() {
		return nil
	}
	var st pushStatus
	if err := json.Unmarshal(msg.Body, &st); err != nil {
		return errors.Wrapf(err, "decode %s", msg.Name)
	}
	if st.Extension == "" {
		return errors.Errorf("%s without extension", msg.Name)
	}

	if p.refresher != nil {
		p.refresher.Touch()
	}
	p.agents.Apply(roster.Entry{
		Extension: st.Extension,
		Name:      st.Name,
		Presence:  roster.NormalizeStatus(st.DeviceState, st.Paused),
		Paused:    st.Paused,
	})

	// Собственный статус питает fallback-сигнал доступности.
	if st.Extension == p.cfg.SIP.Extension {
		online := st.Registered || !strings.EqualFold(st.DeviceState, "UNAVAILABLE")
		p.supervisor.SetBackendOnline(online)
	}
	return nil
}

type pushAvailability struct {
	Extension string `json:"extension"`
	Available bool   `json:"available"`
}

func (p *Phone) handleAvailabilityPush(msg backend.Message) error {
	if !p.sess.Active() {
		return nil
	}
	var av pushAvailability
	if err := json.Unmarshal(msg.Body, &av); err != nil {
		return errors.Wrap(err, "decode availability")
	}
	if av.Extension != p.cfg.SIP.Extension {
		return nil
	}
	p.supervisor.SetBackendOnline(av.Available)
	return nil
}

func (p *Phone) fetchRoster(ctx context.Context) ([]roster.Entry, error) {
	statuses, err := p.rest.FetchRoster(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]roster.Entry, 0, len(statuses))
	for _, st := range statuses {
		entries = append(entries, roster.Entry{
			Extension: st.Extension,
			Name:      st.Name,
			Presence:  roster.NormalizeStatus(st.DeviceState, st.Paused),
			Paused:    st.Paused,
		})
	}
	return entries, nil
}
