// Package ua реализует ядро SIP софтфона: user agent с регистрацией,
// одним слотом вызова и упорядоченным потоком событий.
//
// Все переходы агента и сессий выполняются под одним мьютексом агента.
// События копятся в очереди dispatcher под блокировкой и доставляются
// подписчикам после ее снятия, поэтому обработчики могут вызывать
// методы агента и сессии.
package ua

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/events"
	"github.com/arzzra/webphone/pkg/logger"
	"github.com/arzzra/webphone/pkg/media_sdp"
	"github.com/arzzra/webphone/pkg/transport"
)

// Option настраивает UserAgent
type Option func(*UserAgent)

// WithTransport задает транспорт вместо WebSocket по cfg.Endpoints
func WithTransport(t transport.Transport) Option {
	return func(a *UserAgent) { a.transport = t }
}

// WithNegotiator задает медиа negotiator
func WithNegotiator(n media_sdp.Negotiator) Option {
	return func(a *UserAgent) { a.negotiator = n }
}

func WithLogger(l logger.StructuredLogger) Option {
	return func(a *UserAgent) { a.log = l }
}

// WithMetrics подключает Prometheus метрики
func WithMetrics(m *Metrics) Option {
	return func(a *UserAgent) { a.metrics = m }
}

// WithDispatcher задает dispatcher событий, например с другим размером tombstone кэша
func WithDispatcher(d *events.Dispatcher[Event]) Option {
	return func(a *UserAgent) { a.dispatcher = d }
}

// UserAgent SIP user agent с одним слотом вызова
type UserAgent struct {
	cfg         Config
	identity    sip.Uri
	registrar   sip.Uri
	authUser    string
	contactUser string
	viaHost     string

	log        logger.StructuredLogger
	transport  transport.Transport
	negotiator media_sdp.Negotiator
	dispatcher *events.Dispatcher[Event]
	metrics    *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	deferred []func()

	status        AgentStatus
	connecting    bool
	connected     bool
	stopped       bool
	connectCancel context.CancelFunc

	reg registrator

	// active единственный нетерминальный вызов
	active   *Session
	byCallID map[string]*Session
	// canceled исходящие INVITE, отмененные до финального ответа
	canceled map[string]*Session
}

// NewUserAgent проверяет конфигурацию и создает агент.
// Агент работает с копией cfg.
func NewUserAgent(cfg Config, opts ...Option) (*UserAgent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	a := &UserAgent{
		cfg:         cfg,
		contactUser: newTag()[:8],
		viaHost:     newTag()[:12] + ".invalid",
		byCallID:    make(map[string]*Session),
		canceled:    make(map[string]*Session),
	}
	if err := sip.ParseUri(cfg.URI, &a.identity); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	a.registrar = sip.Uri{Scheme: a.identity.Scheme, Host: a.identity.Host, Port: a.identity.Port}
	if a.registrar.Scheme == "" {
		a.registrar.Scheme = "sip"
	}
	a.authUser = cfg.AuthorizationUser
	if a.authUser == "" {
		a.authUser = a.identity.User
	}
	a.reg = newRegistrator(cfg.RegisterExpires)

	for _, opt := range opts {
		opt(a)
	}

	if a.log == nil {
		a.log = logger.Default()
	}
	a.log = a.log.WithComponent("ua").WithFields(logger.String("identity", a.identity.String()))

	if a.dispatcher == nil {
		a.dispatcher = events.New[Event](events.WithLogger(a.log))
	}
	if a.transport == nil {
		if len(cfg.Endpoints) == 0 {
			return nil, fmt.Errorf("%w: нет endpoints и транспорт не задан", ErrInvalidConfig)
		}
		ws, err := transport.NewWebSocket(transport.WebSocketConfig{
			Endpoints: cfg.Endpoints,
			Logger:    a.log,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		a.transport = ws
	}
	if a.negotiator == nil {
		n, err := media_sdp.NewSDPNegotiator(media_sdp.DefaultConfig())
		if err != nil {
			return nil, err
		}
		a.negotiator = n
	}
	if a.metrics != nil {
		a.dispatcher.Subscribe(a.metrics.observe)
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.transport.OnOpen(a.onOpen)
	a.transport.OnClose(a.onClose)
	a.transport.OnMessage(a.onMessage)

	return a, nil
}

func (a *UserAgent) lock() {
	a.mu.Lock()
}

// unlock снимает блокировку, выполняет отложенные действия и доставляет накопленные события
func (a *UserAgent) unlock() {
	deferred := a.deferred
	a.deferred = nil
	a.mu.Unlock()

	for _, fn := range deferred {
		fn()
	}
	a.dispatcher.Flush()
}

func (a *UserAgent) emitLocked(e Event) {
	a.dispatcher.Enqueue(e)
}

func (a *UserAgent) emitAgentLocked(kind AgentEventKind, err error) {
	a.status = NextStatus(a.status, kind, a.connected)
	a.log.Debug(a.ctx, "событие агента", logger.String("kind", string(kind)), logger.String("status", a.status.String()))
	a.emitLocked(AgentEvent{Kind: kind, Status: a.status, Err: err})
}

// releaseSessionLocked освобождает слот после терминального перехода
func (a *UserAgent) releaseSessionLocked(s *Session) {
	if a.active == s {
		a.active = nil
	}
	if a.byCallID[s.callID] == s {
		delete(a.byCallID, s.callID)
	}
	a.releaseMediaLocked(s.id)
}

func (a *UserAgent) releaseMediaLocked(id string) {
	a.deferred = append(a.deferred, func() { a.negotiator.Release(id) })
}

// Subscribe подписывает обработчик на все события агента
func (a *UserAgent) Subscribe(fn func(Event)) events.Subscription {
	return a.dispatcher.Subscribe(fn)
}

// Start открывает транспорт в фоне. Результат приходит событиями
// connected или disconnected. Остановленный агент не перезапускается:
// Start после Stop сразу дает disconnected с ErrStopped.
func (a *UserAgent) Start(ctx context.Context) {
	a.lock()
	if a.stopped {
		a.log.Warn(ctx, "Start после Stop проигнорирован")
		a.emitAgentLocked(AgentDisconnected, newTransportError(CauseConnectionError, ErrStopped))
		a.unlock()
		return
	}
	if a.connecting || a.connected {
		a.unlock()
		return
	}
	a.connecting = true
	connectCtx, cancel := context.WithCancel(ctx)
	a.connectCancel = cancel
	a.emitAgentLocked(AgentConnecting, nil)
	a.unlock()

	go func() {
		defer cancel()
		if err := a.transport.Connect(connectCtx); err != nil {
			a.log.Warn(connectCtx, "не удалось подключиться", logger.Err(err))
			a.onClose(err)
		}
	}()
}

func (a *UserAgent) onOpen(ep transport.Endpoint) {
	a.lock()
	defer a.unlock()

	a.connecting = false
	if a.stopped {
		a.deferred = append(a.deferred, func() { _ = a.transport.Close() })
		return
	}
	a.connected = true
	a.log.Info(a.ctx, "соединение установлено", logger.String("endpoint", ep.URL()))
	a.emitAgentLocked(AgentConnected, nil)

	if !a.cfg.NoRegister {
		if err := a.registerLocked(); err != nil {
			a.registrationFailedLocked(0, err)
		}
	}
}

// onClose обрабатывает потерю соединения и неудачный Connect
func (a *UserAgent) onClose(err error) {
	a.lock()
	defer a.unlock()

	if a.stopped {
		return
	}
	a.connecting = false
	a.connected = false
	a.stopRefreshLocked()
	a.reg.pending = nil
	a.reg.unregistering = false

	if a.reg.registered {
		a.reg.registered = false
		a.emitAgentLocked(AgentUnregistered, nil)
	}
	if s := a.active; s != nil {
		if s.state() == StateAccepted {
			s.fire(evEnd, CauseConnectionError, 0, err)
		} else {
			s.fire(evFail, CauseConnectionError, 0, err)
		}
	}
	clear(a.canceled)

	a.log.Warn(a.ctx, "соединение потеряно", logger.Err(err))
	a.emitAgentLocked(AgentDisconnected, newTransportError(CauseConnectionError, err))
}

// Stop завершает вызов, снимает регистрацию и закрывает транспорт.
// Повторный вызов ничего не делает.
func (a *UserAgent) Stop() {
	a.lock()
	if a.stopped {
		a.unlock()
		return
	}

	var keys []string
	if s := a.active; s != nil {
		keys = append(keys, s.id)
		s.terminateLocked(terminateOptions{})
	}
	if a.connected && a.reg.registered {
		// ответ не ждем
		_ = a.unregisterLocked()
	}
	a.stopRefreshLocked()
	a.stopped = true

	wasRegistered := a.reg.registered
	wasDisconnected := a.status == StatusDisconnected
	a.reg.registered = false
	a.reg.pending = nil
	a.connected = false
	a.connecting = false
	if a.connectCancel != nil {
		a.connectCancel()
		a.connectCancel = nil
	}
	clear(a.canceled)

	if wasRegistered {
		a.emitAgentLocked(AgentUnregistered, nil)
	}
	if !wasDisconnected {
		a.emitAgentLocked(AgentDisconnected, nil)
	}
	a.unlock()

	a.cancel()
	if err := a.transport.Close(); err != nil {
		a.log.Warn(context.Background(), "ошибка закрытия транспорта", logger.Err(err))
	}
	for _, key := range keys {
		a.dispatcher.Suppress(key)
	}
	a.log.Info(context.Background(), "агент остановлен")
}

// Status текущий статус агента
func (a *UserAgent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *UserAgent) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *UserAgent) IsRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg.registered
}

// Session возвращает активную сессию по ID
func (a *UserAgent) Session(id string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil && a.active.id == id {
		return a.active, true
	}
	return nil, false
}

// Sessions нетерминальные сессии агента; не больше одной
func (a *UserAgent) Sessions() []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return nil
	}
	return []*Session{a.active}
}

// Call создает исходящую сессию и сразу возвращает ее в состоянии Initial.
// Offer и INVITE формируются в фоне; ошибки проявляются переходом в Failed.
func (a *UserAgent) Call(target string, flags MediaFlags) *Session {
	a.lock()
	defer a.unlock()

	s := newSession(a, uuid.NewString(), DirectionOutgoing, flags)
	s.callID = uuid.NewString()
	s.localURI = a.identity
	s.localName = a.cfg.DisplayName
	s.localTag = newTag()
	s.log = s.log.WithFields(logger.String("call_id", s.callID))

	if a.stopped {
		s.fire(evFail, CauseConnectionError, 0, ErrStopped)
		return s
	}
	uri, err := normalizeTarget(target, a.identity)
	if err != nil {
		s.fire(evFail, CauseAddressIncomplete, 0, err)
		return s
	}
	s.remoteURI = uri
	s.remoteTarget = uri
	if a.active != nil {
		s.log.Debug(a.ctx, "слот занят, вызов отклонен", logger.String("active", a.active.id))
		s.fire(evFail, CauseBusy, 0, fmt.Errorf("слот занят сессией %s", a.active.id))
		return s
	}
	a.active = s
	a.byCallID[s.callID] = s

	go a.sendInitialInvite(s)
	return s
}

func (a *UserAgent) sendInitialInvite(s *Session) {
	body, err := a.negotiator.CreateOffer(a.ctx, s.id, s.media)

	a.lock()
	defer a.unlock()

	if s.state() != StateInitial {
		// завершена во время создания offer
		a.releaseMediaLocked(s.id)
		return
	}
	if err != nil {
		s.log.LogError(a.ctx, err, "не удалось создать offer")
		s.fire(evFail, CauseInternalError, 0, err)
		return
	}
	req := a.buildInviteLocked(s, body)
	s.invite = req
	if err := a.sendLocked(req); err != nil {
		s.fire(evFail, CauseConnectionError, 0, err)
		return
	}
	s.fire(evConnect, "", 0, nil)
}

func (a *UserAgent) onMessage(data []byte) {
	msg, err := parseMessage(data)
	if err != nil {
		a.log.Warn(a.ctx, "сообщение отброшено", logger.Err(err))
		return
	}
	a.metrics.messageReceived(msg)

	a.lock()
	if a.stopped {
		a.unlock()
		return
	}
	var post func()
	switch m := msg.(type) {
	case *sip.Request:
		post = a.handleRequestLocked(m)
	case *sip.Response:
		post = a.handleResponseLocked(m)
	}
	a.unlock()

	// согласование медиа вне блокировки агента
	if post != nil {
		post()
	}
}
