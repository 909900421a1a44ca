package sipstack

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// uaRole сторона диалога.
type uaRole int

const (
	roleUAC uaRole = iota
	roleUAS
)

// dialogState учетные данные одного SIP-диалога: теги, CSeq, цель.
// Мутируется только под мьютексом стека.
type dialogState struct {
	role   uaRole
	callID string

	localTag  string
	remoteTag string

	localURI  sip.Uri
	remoteURI sip.Uri
	// remoteTarget куда слать in-dialog запросы (Contact удаленной стороны).
	remoteTarget sip.Uri

	cseq        uint32
	established bool

	// Для UAS: исходный INVITE и его транзакция (ответ может быть отложен).
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	// Для UAC: исходный INVITE и 200 OK (нужны для ACK и CANCEL).
	sentInvite *sip.Request
	inviteOK   *sip.Response
}

func (d *dialogState) nextCSeq() uint32 {
	d.cseq++
	return d.cseq
}

// makeRequest собирает in-dialog запрос с заголовками диалога.
func (d *dialogState) makeRequest(method sip.RequestMethod, contact *sip.ContactHeader) *sip.Request {
	target := d.remoteTarget
	req := sip.NewRequest(method, target)
	req.Recipient = target

	req.AppendHeader(&sip.FromHeader{
		Address: d.localURI,
		Params:  sip.NewParams().Add("tag", d.localTag),
	})
	to := &sip.ToHeader{Address: d.remoteURI}
	if d.remoteTag != "" {
		to.Params = sip.NewParams().Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.nextCSeq(), MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	if contact != nil {
		req.AppendHeader(contact)
	}
	return req
}

// replacesValue значение параметра Replaces для REFER при завершении
// сопровождаемого перевода: call-id исходного диалога и его теги.
func (d *dialogState) replacesValue() string {
	return fmt.Sprintf("%s;to-tag=%s;from-tag=%s", d.callID, d.remoteTag, d.localTag)
}

// parseSipfrag разбирает message/sipfrag из NOTIFY по REFER-подписке
// ("SIP/2.0 200 OK" и т.п.).
func parseSipfrag(body []byte) (code int, reason string, err error) {
	line := strings.TrimSpace(strings.SplitN(string(body), "\n", 2)[0])
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return 0, "", errors.Errorf("malformed sipfrag %q", line)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", errors.Wrapf(err, "sipfrag status %q", line)
	}
	if len(parts) == 3 {
		reason = strings.TrimSpace(parts[2])
	}
	return code, reason, nil
}

// contactExpiry вытаскивает срок регистрации из ответа на REGISTER:
// сначала параметр expires у Contact, затем заголовок Expires.
func contactExpiry(resp *sip.Response) int {
	if c := resp.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	if h := resp.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return n
		}
	}
	return 0
}
