package ua

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/arzzra/webphone/pkg/logger"
)

// refreshMargin максимальный запас до истечения регистрации
const refreshMargin = 5 * time.Second

// registrator состояние регистрации. Защищено мьютексом агента.
type registrator struct {
	callID  string
	fromTag string
	cseq    uint32

	// expires запрашиваемый интервал; может вырасти после 423
	expires    time.Duration
	registered bool
	// pending REGISTER, ожидающий финального ответа
	pending       *sip.Request
	unregistering bool

	authRetried     bool
	intervalRetried bool

	timer *time.Timer
	gen   uint64
}

func newRegistrator(expires time.Duration) registrator {
	return registrator{
		callID:  newTag() + newTag(),
		fromTag: newTag(),
		expires: expires,
	}
}

// Register отправляет REGISTER. Результат приходит событием registered или registrationFailed.
func (a *UserAgent) Register() error {
	a.lock()
	defer a.unlock()
	if a.stopped {
		return ErrStopped
	}
	if !a.connected {
		return ErrNotConnected
	}
	return a.registerLocked()
}

// Unregister снимает регистрацию (Expires: 0)
func (a *UserAgent) Unregister() error {
	a.lock()
	defer a.unlock()
	if !a.connected {
		return ErrNotConnected
	}
	return a.unregisterLocked()
}

func (a *UserAgent) registerLocked() error {
	r := &a.reg
	r.authRetried = false
	r.intervalRetried = false
	r.unregistering = false
	return a.sendRegisterLocked(r.expires, nil)
}

func (a *UserAgent) unregisterLocked() error {
	r := &a.reg
	a.stopRefreshLocked()
	r.authRetried = false
	r.unregistering = true
	return a.sendRegisterLocked(0, nil)
}

func (a *UserAgent) sendRegisterLocked(expires time.Duration, auth sip.Header) error {
	r := &a.reg
	r.cseq++
	seconds := strconv.Itoa(int(expires / time.Second))

	req := sip.NewRequest(sip.REGISTER, a.registrar)
	req.AppendHeader(a.viaLocked())
	fromParams := sip.NewParams()
	fromParams["tag"] = r.fromTag
	req.AppendHeader(&sip.FromHeader{DisplayName: a.cfg.DisplayName, Address: a.identity, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: a.identity, Params: sip.NewParams()})
	a.appendCommonLocked(req, r.callID, r.cseq, sip.REGISTER)

	contact := a.contactLocked()
	contact.Params["expires"] = seconds
	req.AppendHeader(contact)
	expiresHdr := sip.ExpiresHeader(uint32(expires / time.Second))
	req.AppendHeader(&expiresHdr)
	a.appendPreloadedRouteLocked(req)
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	req.AppendHeader(sip.NewHeader("Supported", "path, outbound"))
	req.AppendHeader(sip.NewHeader("User-Agent", a.cfg.UserAgent))
	if auth != nil {
		req.AppendHeader(auth)
	}

	r.pending = req
	a.log.Debug(a.ctx, "отправка REGISTER", logger.String("expires", seconds), logger.Bool("auth", auth != nil))
	if err := a.sendLocked(req); err != nil {
		r.pending = nil
		return err
	}
	return nil
}

func (a *UserAgent) handleRegisterResponseLocked(resp *sip.Response) {
	r := &a.reg
	cseq := resp.CSeq()
	if r.pending == nil || cseq == nil || cseq.SeqNo != r.pending.CSeq().SeqNo {
		a.log.Debug(a.ctx, "ответ на устаревший REGISTER")
		return
	}
	code := int(resp.StatusCode)
	if code < 200 {
		return
	}
	req := r.pending
	r.pending = nil

	switch {
	case code >= 200 && code < 300:
		if r.unregistering {
			r.unregistering = false
			if r.registered {
				r.registered = false
				a.emitAgentLocked(AgentUnregistered, nil)
			}
			return
		}
		granted := a.grantedExpires(resp, r.expires)
		if !r.registered {
			r.registered = true
			a.emitAgentLocked(AgentRegistered, nil)
		}
		a.scheduleRefreshLocked(granted)

	case (code == 401 || code == 407) && !r.authRetried:
		r.authRetried = true
		auth, err := a.authorization(req, resp)
		if err != nil {
			a.registrationFailedLocked(code, err)
			return
		}
		expires := r.expires
		if r.unregistering {
			expires = 0
		}
		if err := a.sendRegisterLocked(expires, auth); err != nil {
			a.registrationFailedLocked(0, err)
		}

	case code == 423 && !r.intervalRetried && !r.unregistering:
		r.intervalRetried = true
		minExpires, ok := headerSeconds(resp, "Min-Expires")
		if !ok || minExpires <= r.expires {
			a.registrationFailedLocked(code, fmt.Errorf("423 без подходящего Min-Expires"))
			return
		}
		r.expires = minExpires
		if err := a.sendRegisterLocked(r.expires, nil); err != nil {
			a.registrationFailedLocked(0, err)
		}

	default:
		if r.unregistering {
			r.unregistering = false
			if r.registered {
				r.registered = false
				a.emitAgentLocked(AgentUnregistered, nil)
			}
			return
		}
		a.registrationFailedLocked(code, nil)
	}
}

func (a *UserAgent) registrationFailedLocked(code int, err error) {
	r := &a.reg
	cause := CauseConnectionError
	if code != 0 {
		cause = CauseFromStatus(code)
	}
	a.stopRefreshLocked()
	r.registered = false
	regErr := newRegistrationError(cause, code, err)
	a.log.LogError(a.ctx, regErr, "регистрация отклонена")
	a.emitAgentLocked(AgentRegistrationFailed, regErr)
}

// grantedExpires интервал, выданный registrar: expires нашего Contact, затем Expires
func (a *UserAgent) grantedExpires(resp *sip.Response, requested time.Duration) time.Duration {
	for _, h := range resp.GetHeaders("Contact") {
		c, ok := h.(*sip.ContactHeader)
		if !ok || c.Address.User != a.contactUser {
			continue
		}
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if d, ok := headerSeconds(resp, "Expires"); ok && d > 0 {
		return d
	}
	return requested
}

func headerSeconds(msg sip.Message, name string) (time.Duration, bool) {
	h := firstHeader(msg, name)
	if h == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// scheduleRefreshLocked повторяет REGISTER незадолго до истечения
func (a *UserAgent) scheduleRefreshLocked(granted time.Duration) {
	a.stopRefreshLocked()
	margin := granted / 4
	if margin > refreshMargin {
		margin = refreshMargin
	}
	r := &a.reg
	gen := r.gen
	r.timer = time.AfterFunc(granted-margin, func() {
		a.lock()
		defer a.unlock()
		if a.stopped || !a.connected || a.reg.gen != gen {
			return
		}
		a.reg.timer = nil
		if err := a.registerLocked(); err != nil {
			a.registrationFailedLocked(0, err)
		}
	})
}

func (a *UserAgent) stopRefreshLocked() {
	r := &a.reg
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// authorization строит Authorization или Proxy-Authorization по вызову 401/407
func (a *UserAgent) authorization(req *sip.Request, resp *sip.Response) (sip.Header, error) {
	challengeName, authName := "WWW-Authenticate", "Authorization"
	if int(resp.StatusCode) == 407 {
		challengeName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := resp.GetHeader(challengeName)
	if h == nil {
		return nil, fmt.Errorf("%d без заголовка %s", int(resp.StatusCode), challengeName)
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("разбор %s: %w", challengeName, err)
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: a.authUser,
		Password: a.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("вычисление digest: %w", err)
	}
	return sip.NewHeader(authName, cred.String()), nil
}
