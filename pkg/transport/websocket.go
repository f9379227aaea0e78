package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"braces.dev/errtrace"
	"nhooyr.io/websocket"

	"github.com/arzzra/webphone/pkg/logger"
)

const (
	// SIPSubprotocol подпротокол WebSocket для SIP (RFC 7118)
	SIPSubprotocol = "sip"

	defaultReadLimit = 64 * 1024
)

// WebSocketConfig параметры WebSocket транспорта
type WebSocketConfig struct {
	Endpoints []Endpoint
	// Header дополнительные HTTP заголовки для handshake
	Header http.Header
	// HTTPClient для handshake, по умолчанию http.DefaultClient
	HTTPClient *http.Client
	// ReadLimit максимальный размер сообщения
	ReadLimit int64
	Logger    logger.StructuredLogger
}

// WebSocket реализует Transport поверх nhooyr.io/websocket
type WebSocket struct {
	cfg WebSocketConfig
	log logger.StructuredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	current Endpoint
	cancel  context.CancelFunc

	onMessage MessageHandler
	onOpen    OpenHandler
	onClose   CloseHandler
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket создает WebSocket транспорт
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errtrace.Wrap(ErrNoEndpoints)
	}
	for i, ep := range cfg.Endpoints {
		if err := ep.Validate(); err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("endpoint #%d: %w", i, err))
		}
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	l := cfg.Logger
	if l == nil {
		l = logger.Default()
	}
	cfg.Endpoints = append([]Endpoint(nil), cfg.Endpoints...)

	return &WebSocket{
		cfg: cfg,
		log: l.WithComponent("transport.ws"),
	}, nil
}

func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return errtrace.Wrap(ErrAlreadyConnected)
	}
	w.mu.Unlock()

	var errs []error
	for _, ep := range w.cfg.Endpoints {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		w.log.Debug(ctx, "подключение к endpoint", logger.String("url", ep.URL()))
		conn, _, err := websocket.Dial(ctx, ep.URL(), &websocket.DialOptions{
			HTTPClient:   w.cfg.HTTPClient,
			HTTPHeader:   w.cfg.Header,
			Subprotocols: []string{SIPSubprotocol},
		})
		if err != nil {
			w.log.Warn(ctx, "endpoint недоступен", logger.String("url", ep.URL()), logger.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", ep.URL(), err))
			continue
		}
		if conn.Subprotocol() != SIPSubprotocol {
			w.log.Warn(ctx, "сервер не подтвердил подпротокол sip", logger.String("url", ep.URL()))
		}
		conn.SetReadLimit(w.cfg.ReadLimit)

		readCtx, cancel := context.WithCancel(context.Background())

		w.mu.Lock()
		if w.conn != nil {
			// параллельный Connect успел раньше
			w.mu.Unlock()
			cancel()
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return errtrace.Wrap(ErrAlreadyConnected)
		}
		w.conn = conn
		w.current = ep
		w.cancel = cancel
		onOpen := w.onOpen
		w.mu.Unlock()

		if onOpen != nil {
			onOpen(ep)
		}
		go w.readLoop(readCtx, conn)
		return nil
	}

	return errtrace.Wrap(fmt.Errorf("%w: %w", ErrAllEndpointsFailed, errors.Join(errs...)))
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			w.mu.Lock()
			remote := w.conn == conn
			if remote {
				w.conn = nil
				if w.cancel != nil {
					w.cancel()
					w.cancel = nil
				}
			}
			onClose := w.onClose
			w.mu.Unlock()

			if !remote {
				return
			}
			w.log.Info(context.Background(), "соединение закрыто", logger.Err(err))
			if onClose != nil {
				onClose(err)
			}
			return
		}

		w.mu.Lock()
		h := w.onMessage
		w.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (w *WebSocket) Send(ctx context.Context, msg []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errtrace.Wrap(ErrNotConnected)
	}
	return errtrace.Wrap(conn.Write(ctx, websocket.MessageText, msg))
}

func (w *WebSocket) OnMessage(h MessageHandler) {
	w.mu.Lock()
	w.onMessage = h
	w.mu.Unlock()
}

func (w *WebSocket) OnOpen(h OpenHandler) {
	w.mu.Lock()
	w.onOpen = h
	w.mu.Unlock()
}

func (w *WebSocket) OnClose(h CloseHandler) {
	w.mu.Lock()
	w.onClose = h
	w.mu.Unlock()
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	cancel := w.cancel
	w.conn = nil
	w.cancel = nil
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	if cancel != nil {
		cancel()
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	return errtrace.Wrap(err)
}

func (w *WebSocket) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *WebSocket) Endpoint() (Endpoint, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.conn != nil
}
