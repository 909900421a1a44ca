package sipstack

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"

	"github.com/arzzra/agent_phone/pkg/call"
	"github.com/arzzra/agent_phone/pkg/engine"
)

var (
	// ErrLineBusy основной диалог уже занят.
	ErrLineBusy = errors.New("sipstack: line is busy")
	// ErrNoDialog нет диалога для операции.
	ErrNoDialog = errors.New("sipstack: no active dialog")
)

// Register выполняет SIP-регистрацию и планирует ее продление.
func (s *Stack) Register(ctx context.Context) error {
	s.bus.Publish(engine.RegistrationEvent{State: engine.RegRegistering})

	expires := int(s.opts.RegisterExpiry.Seconds())
	resp, err := s.sendWithAuth(ctx, func(auth string) *sip.Request {
		return s.newRegister(expires, auth)
	})
	if err != nil {
		perr := call.ErrRegistrationFailed(err)
		s.bus.Publish(engine.RegistrationEvent{State: engine.RegFailed, Err: perr})
		return perr
	}
	if resp.StatusCode != sip.StatusOK {
		perr := call.ErrRegistrationFailed(errors.Errorf("register rejected: %d %s", resp.StatusCode, resp.Reason))
		perr.StatusCode = int(resp.StatusCode)
		s.bus.Publish(engine.RegistrationEvent{State: engine.RegFailed, Err: perr})
		return perr
	}

	granted := contactExpiry(resp)
	if granted <= 0 {
		granted = expires
	}
	contactURI := s.contactHeader().Address.String()
	if c := resp.Contact(); c != nil {
		contactURI = c.Address.String()
	}
	expiresAt := time.Now().Add(time.Duration(granted) * time.Second)

	slog.Info("sipstack: registered",
		slog.String("contact", contactURI),
		slog.Int("expires", granted))
	s.bus.Publish(engine.RegistrationEvent{
		State:      engine.RegRegistered,
		ContactURI: contactURI,
		ExpiresAt:  expiresAt,
	})

	s.scheduleRefresh(time.Duration(granted) * time.Second)
	return nil
}

// Unregister снимает регистрацию (Expires: 0).
func (s *Stack) Unregister(ctx context.Context) error {
	s.mu.Lock()
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	s.mu.Unlock()

	resp, err := s.sendWithAuth(ctx, func(auth string) *sip.Request {
		return s.newRegister(0, auth)
	})
	if err != nil {
		return errors.Wrap(err, "unregister")
	}
	if resp.StatusCode != sip.StatusOK {
		return errors.Errorf("unregister rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	s.bus.Publish(engine.RegistrationEvent{State: engine.RegUnregistered})
	return nil
}

// scheduleRefresh продлевает регистрацию на 80% срока.
func (s *Stack) scheduleRefresh(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.refreshTimer = time.AfterFunc(ttl*4/5, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Register(ctx); err != nil {
			slog.Warn("sipstack: registration refresh failed", slog.String("error", err.Error()))
		}
	})
}

func (s *Stack) newRegister(expires int, auth string) *sip.Request {
	target := sip.Uri{Host: s.serverURI.Host, Port: s.serverURI.Port}
	req := sip.NewRequest(sip.REGISTER, target)
	req.AppendHeader(&sip.FromHeader{
		Address: s.account,
		Params:  sip.NewParams().Add("tag", sip.GenerateTagN(8)),
	})
	req.AppendHeader(&sip.ToHeader{Address: s.account})
	callID := sip.CallIDHeader(sip.GenerateTagN(16))
	req.AppendHeader(&callID)

	s.mu.Lock()
	s.regCSeq++
	seq := s.regCSeq
	s.mu.Unlock()
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(s.contactHeader())
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if auth != "" {
		req.AppendHeader(sip.NewHeader("Authorization", auth))
	}
	return req
}

// sendWithAuth отправляет запрос и один раз повторяет его с digest-ответом
// на 401/407.
func (s *Stack) sendWithAuth(ctx context.Context, build func(auth string) *sip.Request) (*sip.Response, error) {
	req := build("")
	resp, err := s.transact(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != sip.StatusUnauthorized && resp.StatusCode != sip.StatusProxyAuthRequired {
		return resp, nil
	}

	challengeHeader := "WWW-Authenticate"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		challengeHeader = "Proxy-Authenticate"
	}
	h := resp.GetHeader(challengeHeader)
	if h == nil {
		return nil, errors.New("auth required but no challenge header")
	}
	if s.opts.Password == "" {
		return nil, errors.New("server requires auth, password is not configured")
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, errors.Wrap(err, "parse auth challenge")
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: s.opts.Extension,
		Password: s.opts.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "compute digest")
	}

	return s.transact(ctx, build(cred.String()))
}

// transact отправляет запрос и ждет финальный ответ.
func (s *Stack) transact(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := s.uac.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, call.ErrTransportFailure(req.Method.String(), err)
	}
	defer tx.Terminate()
	return waitFinal(ctx, tx)
}

func waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, errors.New("transaction terminated without final response")
		case resp := <-tx.Responses():
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		}
	}
}

// MakeCall начинает исходящий вызов на number.
func (s *Stack) MakeCall(ctx context.Context, number string, opts engine.CallOptions) (engine.SessionHandle, error) {
	s.mu.Lock()
	if s.dlg != nil {
		s.mu.Unlock()
		return nil, ErrLineBusy
	}
	d := &dialogState{
		role:     roleUAC,
		callID:   sip.GenerateTagN(16),
		localTag: sip.GenerateTagN(8),
		localURI: s.account,
		remoteURI: sip.Uri{
			User: number,
			Host: s.serverURI.Host,
			Port: s.serverURI.Port,
		},
	}
	d.remoteTarget = d.remoteURI
	s.dlg = d
	s.mu.Unlock()

	tx, err := s.sendInvite(ctx, d, opts.DisplayName, "")
	if err != nil {
		s.mu.Lock()
		s.clearDialogLocked(d.callID)
		s.mu.Unlock()
		return nil, err
	}

	go s.watchInvite(d, tx, false)
	return sessionHandle(d.callID), nil
}

func (s *Stack) sendInvite(ctx context.Context, d *dialogState, displayName, auth string) (sip.ClientTransaction, error) {
	body, err := buildAudioSDP(s.opts.LocalHost, s.opts.RTPPort, false)
	if err != nil {
		return nil, err
	}

	req := sip.NewRequest(sip.INVITE, d.remoteTarget)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: displayName,
		Address:     d.localURI,
		Params:      sip.NewParams().Add("tag", d.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: d.remoteURI})
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.nextCSeq(), MethodName: sip.INVITE})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(s.contactHeader())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if auth != "" {
		req.AppendHeader(sip.NewHeader("Authorization", auth))
	}
	req.SetBody(body)

	tx, err := s.uac.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, errors.Wrap(err, "send invite")
	}
	d.sentInvite = req
	return tx, nil
}

// watchInvite ведет исходящий INVITE до финального ответа.
// consult == true для консультационного вызова перевода.
func (s *Stack) watchInvite(d *dialogState, tx sip.ClientTransaction, consult bool) {
	defer tx.Terminate()

	for {
		select {
		case <-tx.Done():
			return
		case resp := <-tx.Responses():
			switch {
			case resp.StatusCode < 200:
				if !consult && (resp.StatusCode == sip.StatusRinging || resp.StatusCode == 183) {
					s.bus.Publish(engine.ProgressEvent{CallID: d.callID, StatusCode: int(resp.StatusCode)})
				}

			case resp.StatusCode < 300:
				s.completeInvite(d, resp, consult)
				return

			case resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired:
				if !s.retryInviteAuth(d, resp, consult) {
					s.failInvite(d, resp, consult)
				}
				return

			case resp.StatusCode == sip.StatusRequestTerminated:
				// Наш же CANCEL: вызов завершен, не провален.
				s.mu.Lock()
				s.clearDialogLocked(d.callID)
				s.mu.Unlock()
				s.bus.Publish(engine.SessionStateEvent{CallID: d.callID, State: engine.SessionTerminated})
				return

			default:
				s.failInvite(d, resp, consult)
				return
			}
		}
	}
}

func (s *Stack) completeInvite(d *dialogState, resp *sip.Response, consult bool) {
	s.mu.Lock()
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if c := resp.Contact(); c != nil {
		d.remoteTarget = c.Address
	}
	d.inviteOK = resp
	d.established = true
	s.mu.Unlock()

	ack := sip.NewAckRequest(d.sentInvite, resp, nil)
	if err := s.uac.WriteRequest(ack); err != nil {
		slog.Warn("sipstack: send ack", slog.String("error", err.Error()))
	}

	if !consult {
		s.bus.Publish(engine.SessionStateEvent{CallID: d.callID, State: engine.SessionEstablished})
	}
}

func (s *Stack) failInvite(d *dialogState, resp *sip.Response, consult bool) {
	s.mu.Lock()
	s.clearDialogLocked(d.callID)
	s.mu.Unlock()

	slog.Info("sipstack: call failed",
		slog.String("call_id", d.callID),
		slog.Int("status_code", int(resp.StatusCode)))

	if consult {
		s.bus.Publish(engine.TransferResultEvent{
			CallID:       d.callID,
			Success:      false,
			StatusCode:   int(resp.StatusCode),
			ReasonPhrase: resp.Reason,
		})
		return
	}
	s.bus.Publish(engine.CallFailedEvent{
		CallID:       d.callID,
		StatusCode:   int(resp.StatusCode),
		ReasonPhrase: resp.Reason,
	})
}

// retryInviteAuth повторяет INVITE с digest-ответом. false — повтор не удался
// еще до отправки.
func (s *Stack) retryInviteAuth(d *dialogState, challenge *sip.Response, consult bool) bool {
	if s.opts.Password == "" {
		return false
	}
	headerName := "WWW-Authenticate"
	if challenge.StatusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
	}
	h := challenge.GetHeader(headerName)
	if h == nil {
		return false
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		slog.Warn("sipstack: bad auth challenge", slog.String("error", err.Error()))
		return false
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.INVITE.String(),
		URI:      d.remoteTarget.String(),
		Username: s.opts.Extension,
		Password: s.opts.Password,
	})
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	tx, err := s.sendInvite(ctx, d, "", cred.String())
	if err != nil {
		cancel()
		slog.Warn("sipstack: invite auth retry failed", slog.String("error", err.Error()))
		return false
	}
	go func() {
		defer cancel()
		s.watchInvite(d, tx, consult)
	}()
	return true
}

// AnswerCall отвечает 200 OK на отложенный входящий INVITE.
func (s *Stack) AnswerCall(ctx context.Context, opts engine.CallOptions) error {
	s.mu.Lock()
	d := s.dlg
	if d == nil || d.role != roleUAS || d.inviteTx == nil || d.established {
		s.mu.Unlock()
		return ErrNoDialog
	}
	req, tx, localTag := d.inviteReq, d.inviteTx, d.localTag
	s.mu.Unlock()

	body, err := buildAudioSDP(s.opts.LocalHost, s.opts.RTPPort, false)
	if err != nil {
		return err
	}
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	if to := resp.To(); to != nil {
		to.Params = sip.NewParams().Add("tag", localTag)
	}
	resp.AppendHeader(s.contactHeader())
	resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	return errors.Wrap(tx.Respond(resp), "answer call")
}

// EndCall завершает основной диалог: BYE для установленного, CANCEL для
// неотвеченного исходящего, 603 для неотвеченного входящего.
func (s *Stack) EndCall(ctx context.Context) error {
	s.mu.Lock()
	d := s.dlg
	if d == nil {
		s.mu.Unlock()
		return nil
	}
	if !d.established {
		if d.role == roleUAS {
			req, tx := d.inviteReq, d.inviteTx
			s.dlg = nil
			s.mu.Unlock()
			resp := sip.NewResponseFromRequest(req, sip.StatusGlobalDecline, "Decline", nil)
			if err := tx.Respond(resp); err != nil {
				return errors.Wrap(err, "decline call")
			}
			s.bus.Publish(engine.SessionStateEvent{CallID: d.callID, State: engine.SessionTerminated})
			return nil
		}
		inv := d.sentInvite
		s.mu.Unlock()
		// Терминальный 487 придет в watchInvite и закроет диалог.
		return s.cancelInvite(inv)
	}
	s.dlg = nil
	s.mu.Unlock()

	return s.sendBye(ctx, d)
}

func (s *Stack) sendBye(ctx context.Context, d *dialogState) error {
	s.bus.Publish(engine.SessionStateEvent{CallID: d.callID, State: engine.SessionTerminating})

	bye := d.makeRequest(sip.BYE, nil)
	resp, err := s.transact(ctx, bye)
	if err != nil {
		// Диалог уже снят; удаленная сторона доедет по своим таймерам.
		slog.Warn("sipstack: bye failed", slog.String("error", err.Error()))
	} else if resp.StatusCode != sip.StatusOK {
		slog.Warn("sipstack: bye rejected", slog.Int("status_code", int(resp.StatusCode)))
	}
	s.bus.Publish(engine.SessionStateEvent{CallID: d.callID, State: engine.SessionTerminated})
	return nil
}

// cancelInvite шлет CANCEL, повторяя Via и CSeq исходного INVITE.
func (s *Stack) cancelInvite(inv *sip.Request) error {
	if inv == nil {
		return ErrNoDialog
	}
	cancel := sip.NewRequest(sip.CANCEL, inv.Recipient)
	if via := inv.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	for _, name := range []string{"From", "To", "Call-ID"} {
		if h := inv.GetHeader(name); h != nil {
			cancel.AppendHeader(h)
		}
	}
	if cseq := inv.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)
	if err := s.uac.WriteRequest(cancel); err != nil {
		return call.ErrTransportFailure("CANCEL", err)
	}
	return nil
}

// ToggleMute локальный mute; сигнализация не затрагивается.
func (s *Stack) ToggleMute(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dlg == nil || !s.dlg.established {
		return false, ErrNoDialog
	}
	s.muted = !s.muted
	return s.muted, nil
}

// HoldCall ставит вызов на удержание re-INVITE с sendonly.
func (s *Stack) HoldCall(ctx context.Context) error {
	return s.reinvite(ctx, true)
}

// UnholdCall снимает удержание.
func (s *Stack) UnholdCall(ctx context.Context) error {
	return s.reinvite(ctx, false)
}

func (s *Stack) reinvite(ctx context.Context, hold bool) error {
	s.mu.Lock()
	d := s.dlg
	if d == nil || !d.established {
		s.mu.Unlock()
		return ErrNoDialog
	}
	s.mu.Unlock()

	body, err := buildAudioSDP(s.opts.LocalHost, s.opts.RTPPort, hold)
	if err != nil {
		return err
	}
	req := d.makeRequest(sip.INVITE, s.contactHeader())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)

	resp, err := s.transact(ctx, req)
	if err != nil {
		return errors.Wrap(err, "reinvite")
	}
	if resp.StatusCode >= 300 {
		return errors.Errorf("reinvite rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	ack := sip.NewAckRequest(req, resp, nil)
	if err := s.uac.WriteRequest(ack); err != nil {
		return call.ErrTransportFailure("ACK", err)
	}
	return nil
}

// TransferCall слепой перевод: REFER в основном диалоге.
func (s *Stack) TransferCall(ctx context.Context, target string) error {
	s.mu.Lock()
	d := s.dlg
	if d == nil || !d.established {
		s.mu.Unlock()
		return ErrNoDialog
	}
	s.mu.Unlock()

	referTo := fmt.Sprintf("<sip:%s@%s>", target, s.serverURI.Host)
	return s.sendRefer(ctx, d, referTo)
}

// AttendedTransfer открывает консультационный вызов к target.
func (s *Stack) AttendedTransfer(ctx context.Context, target string) (engine.SessionHandle, error) {
	s.mu.Lock()
	if s.dlg == nil || !s.dlg.established {
		s.mu.Unlock()
		return nil, ErrNoDialog
	}
	if s.consult != nil {
		s.mu.Unlock()
		return nil, ErrLineBusy
	}
	d := &dialogState{
		role:     roleUAC,
		callID:   sip.GenerateTagN(16),
		localTag: sip.GenerateTagN(8),
		localURI: s.account,
		remoteURI: sip.Uri{
			User: target,
			Host: s.serverURI.Host,
			Port: s.serverURI.Port,
		},
	}
	d.remoteTarget = d.remoteURI
	s.consult = d
	s.mu.Unlock()

	tx, err := s.sendInvite(ctx, d, s.opts.DisplayName, "")
	if err != nil {
		s.mu.Lock()
		s.clearDialogLocked(d.callID)
		s.mu.Unlock()
		return nil, err
	}
	go s.watchInvite(d, tx, true)
	return sessionHandle(d.callID), nil
}

// CompleteAttendedTransfer сшивает абонентов: REFER с Replaces в
// консультационном диалоге.
func (s *Stack) CompleteAttendedTransfer(ctx context.Context) error {
	s.mu.Lock()
	orig, consult := s.dlg, s.consult
	if orig == nil || consult == nil || !consult.established {
		s.mu.Unlock()
		return ErrNoDialog
	}
	replaces := orig.replacesValue()
	remoteUser := orig.remoteURI.User
	s.mu.Unlock()

	referTo := fmt.Sprintf("<sip:%s@%s?Replaces=%s>",
		remoteUser, s.serverURI.Host, url.QueryEscape(replaces))
	return s.sendRefer(ctx, consult, referTo)
}

// CancelAttendedTransfer завершает консультационное плечо.
func (s *Stack) CancelAttendedTransfer(ctx context.Context) error {
	s.mu.Lock()
	d := s.consult
	s.consult = nil
	s.mu.Unlock()
	if d == nil {
		return ErrNoDialog
	}
	if !d.established {
		return s.cancelInvite(d.sentInvite)
	}

	bye := d.makeRequest(sip.BYE, nil)
	resp, err := s.transact(ctx, bye)
	if err != nil {
		return errors.Wrap(err, "bye consultation")
	}
	if resp.StatusCode != sip.StatusOK {
		return errors.Errorf("consultation bye rejected: %d", resp.StatusCode)
	}
	return nil
}

func (s *Stack) sendRefer(ctx context.Context, d *dialogState, referTo string) error {
	req := d.makeRequest(sip.REFER, s.contactHeader())
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+s.account.String()+">"))

	resp, err := s.transact(ctx, req)
	if err != nil {
		return errors.Wrap(err, "send refer")
	}
	if resp.StatusCode >= 300 {
		return errors.Errorf("refer rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

// Alive проба живости: OPTIONS до сервера.
func (s *Stack) Alive(ctx context.Context) error {
	target := sip.Uri{Host: s.serverURI.Host, Port: s.serverURI.Port}
	req := sip.NewRequest(sip.OPTIONS, target)
	req.AppendHeader(&sip.FromHeader{
		Address: s.account,
		Params:  sip.NewParams().Add("tag", sip.GenerateTagN(8)),
	})
	req.AppendHeader(&sip.ToHeader{Address: target})
	callID := sip.CallIDHeader(sip.GenerateTagN(16))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	// Любой финальный ответ означает, что сервер жив.
	_, err := s.transact(ctx, req)
	return errors.Wrap(err, "options probe")
}
