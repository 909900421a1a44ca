// Package sipstack — SIP-движок телефона поверх sipgo. Реализует
// engine.Engine: регистрацию, вызовы, удержание, переводы и пробу
// живости. События жизненного цикла публикуются в шину engine.Bus.
package sipstack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/agent_phone/pkg/engine"
)

// Options параметры SIP-аккаунта и транспорта.
type Options struct {
	// Server адрес SIP-сервера ("pbx.local:5060").
	Server    string
	Transport string // udp или tcp
	Extension string
	Password  string
	// DisplayName имя в заголовке From исходящих вызовов.
	DisplayName string
	LocalHost   string
	LocalPort   int
	// RTPPort порт, объявляемый в SDP.
	RTPPort   int
	UserAgent string
	// RegisterExpiry запрашиваемый срок регистрации; 0 — 300 секунд.
	RegisterExpiry time.Duration
}

type sessionHandle string

func (h sessionHandle) ID() string { return string(h) }

// Stack SIP-движок. Потокобезопасен; держит не больше одного основного
// диалога и одного консультационного.
type Stack struct {
	opts Options

	ua  *sipgo.UserAgent
	srv *sipgo.Server
	uac *sipgo.Client
	bus *engine.Bus

	serverURI sip.Uri
	account   sip.Uri

	mu      sync.Mutex
	dlg     *dialogState
	consult *dialogState
	muted   bool
	regCSeq uint32

	refreshTimer *time.Timer
}

var _ engine.Engine = (*Stack)(nil)

// NewStack создает движок. Прием входящих запросов начинается после Serve.
func NewStack(opts Options) (*Stack, error) {
	if opts.Transport == "" {
		opts.Transport = "udp"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "agent_phone/1.0"
	}
	if opts.RTPPort == 0 {
		opts.RTPPort = 20000
	}
	if opts.RegisterExpiry <= 0 {
		opts.RegisterExpiry = 300 * time.Second
	}

	var serverURI sip.Uri
	if err := sip.ParseUri("sip:"+opts.Server, &serverURI); err != nil {
		return nil, errors.Wrap(err, "parse sip server")
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(opts.UserAgent),
		sipgo.WithUserAgentHostname(opts.LocalHost),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "create server")
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}

	s := &Stack{
		opts:      opts,
		ua:        ua,
		srv:       srv,
		uac:       uac,
		bus:       engine.NewBus(),
		serverURI: serverURI,
		account: sip.Uri{
			User: opts.Extension,
			Host: serverURI.Host,
			Port: serverURI.Port,
		},
	}
	s.onRequests()
	return s, nil
}

func (s *Stack) onRequests() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleAck)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnNotify(s.handleNotify)
	s.srv.OnOptions(s.handleOptions)
}

// Serve слушает входящие SIP-запросы. Блокирует до отмены ctx.
func (s *Stack) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.LocalHost, s.opts.LocalPort)
	return errors.Wrap(s.srv.ListenAndServe(ctx, s.opts.Transport, addr), "listen and serve")
}

// Close освобождает транспорт.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	s.mu.Unlock()
	return s.ua.Close()
}

// Events шина событий движка.
func (s *Stack) Events() *engine.Bus { return s.bus }

func (s *Stack) contactHeader() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			User: s.opts.Extension,
			Host: s.opts.LocalHost,
			Port: s.opts.LocalPort,
		},
	}
}

// Входящие запросы.

func (s *Stack) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	from := req.From()

	s.mu.Lock()
	if s.dlg != nil {
		s.mu.Unlock()
		// Второй вызов не принимаем: одна линия.
		if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)); err != nil {
			slog.Warn("sipstack: respond busy", slog.String("error", err.Error()))
		}
		return
	}

	d := &dialogState{
		role:      roleUAS,
		callID:    callID,
		localTag:  sip.GenerateTagN(8),
		localURI:  s.account,
		inviteReq: req,
		inviteTx:  tx,
	}
	if from != nil {
		d.remoteURI = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if c := req.Contact(); c != nil {
		d.remoteTarget = c.Address
	} else {
		d.remoteTarget = d.remoteURI
	}
	s.dlg = d
	s.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if to := ringing.To(); to != nil {
		to.Params = sip.NewParams().Add("tag", d.localTag)
	}
	if err := tx.Respond(ringing); err != nil {
		slog.Warn("sipstack: respond ringing", slog.String("error", err.Error()))
	}

	remote := ""
	if from != nil {
		remote = from.Address.User
	}
	slog.Info("sipstack: incoming call",
		slog.String("call_id", callID),
		slog.String("from", remote))

	s.bus.Publish(engine.IncomingCallEvent{
		CallID:         callID,
		RemoteIdentity: remote,
		Session:        sessionHandle(callID),
	})
}

func (s *Stack) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	callID := req.CallID().Value()

	s.mu.Lock()
	d := s.dlg
	if d == nil || d.callID != callID || d.established {
		s.mu.Unlock()
		return
	}
	d.established = true
	s.mu.Unlock()

	s.bus.Publish(engine.SessionStateEvent{CallID: callID, State: engine.SessionEstablished})
}

func (s *Stack) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Warn("sipstack: respond bye", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	cleared := s.clearDialogLocked(callID)
	s.mu.Unlock()

	if cleared {
		slog.Info("sipstack: remote hangup", slog.String("call_id", callID))
		s.bus.Publish(engine.SessionStateEvent{CallID: callID, State: engine.SessionTerminated})
	}
}

func (s *Stack) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Warn("sipstack: respond cancel", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	d := s.dlg
	var inviteReq *sip.Request
	var inviteTx sip.ServerTransaction
	if d != nil && d.callID == callID && !d.established {
		inviteReq = d.inviteReq
		inviteTx = d.inviteTx
		s.dlg = nil
	}
	s.mu.Unlock()

	if inviteTx != nil {
		resp := sip.NewResponseFromRequest(inviteReq, sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := inviteTx.Respond(resp); err != nil {
			slog.Warn("sipstack: respond 487", slog.String("error", err.Error()))
		}
		s.bus.Publish(engine.SessionStateEvent{CallID: callID, State: engine.SessionTerminated})
	}
}

// handleNotify принимает NOTIFY по REFER-подписке и превращает sipfrag
// в итог перевода.
func (s *Stack) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Warn("sipstack: respond notify", slog.String("error", err.Error()))
	}

	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
	}
	if !strings.HasPrefix(strings.ToLower(event), "refer") {
		return
	}

	code, reason, err := parseSipfrag(req.Body())
	if err != nil {
		slog.Warn("sipstack: bad refer notify", slog.String("error", err.Error()))
		return
	}
	if code < 200 {
		// Промежуточный прогресс перевода, итога еще нет.
		return
	}

	callID := req.CallID().Value()
	slog.Info("sipstack: transfer result",
		slog.String("call_id", callID),
		slog.Int("status_code", code))

	s.bus.Publish(engine.TransferResultEvent{
		CallID:       callID,
		Success:      code < 300,
		StatusCode:   code,
		ReasonPhrase: reason,
	})
}

func (s *Stack) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Warn("sipstack: respond options", slog.String("error", err.Error()))
	}
}

// clearDialogLocked убирает диалог с данным callID (основной или
// консультационный). Возвращает true, если что-то убрали.
func (s *Stack) clearDialogLocked(callID string) bool {
	switch {
	case s.dlg != nil && s.dlg.callID == callID:
		s.dlg = nil
		return true
	case s.consult != nil && s.consult.callID == callID:
		s.consult = nil
		return true
	}
	return false
}
