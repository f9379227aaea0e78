package memtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/webphone/pkg/transport"
)

// Transport клиентская сторона in-memory соединения.
type Transport struct {
	registry  *Registry
	endpoints []transport.Endpoint

	mu      sync.Mutex
	server  *Server
	current transport.Endpoint
	// connectErr возвращается из Connect вместо подключения
	connectErr error

	onMessage transport.MessageHandler
	onOpen    transport.OpenHandler
	onClose   transport.CloseHandler

	// handlers вызываются последовательно
	dispatchMu sync.Mutex
}

var _ transport.Transport = (*Transport)(nil)

// FailConnect заставляет следующие вызовы Connect завершаться ошибкой.
func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.server != nil {
		t.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	forced := t.connectErr
	t.mu.Unlock()

	if forced != nil {
		return fmt.Errorf("%w: %w", transport.ErrAllEndpointsFailed, forced)
	}

	var errs []error
	for _, ep := range t.endpoints {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		srv, err := t.registry.lookup(ep.URL())
		if err != nil {
			errs = append(errs, err)
			continue
		}

		t.mu.Lock()
		t.server = srv
		t.current = ep
		onOpen := t.onOpen
		t.mu.Unlock()
		srv.attach(t)

		if onOpen != nil {
			t.dispatchMu.Lock()
			onOpen(ep)
			t.dispatchMu.Unlock()
		}
		return nil
	}
	return fmt.Errorf("%w: %w", transport.ErrAllEndpointsFailed, errors.Join(errs...))
}

func (t *Transport) Send(_ context.Context, msg []byte) error {
	t.mu.Lock()
	srv := t.server
	t.mu.Unlock()
	if srv == nil {
		return transport.ErrNotConnected
	}
	return srv.push(msg)
}

func (t *Transport) deliver(msg []byte) error {
	t.mu.Lock()
	h := t.onMessage
	connected := t.server != nil
	t.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	if h != nil {
		t.dispatchMu.Lock()
		h(msg)
		t.dispatchMu.Unlock()
	}
	return nil
}

func (t *Transport) remoteClosed(srv *Server, err error) {
	t.mu.Lock()
	if t.server != srv {
		t.mu.Unlock()
		return
	}
	t.server = nil
	h := t.onClose
	t.mu.Unlock()

	if h != nil {
		t.dispatchMu.Lock()
		h(err)
		t.dispatchMu.Unlock()
	}
}

func (t *Transport) OnMessage(h transport.MessageHandler) {
	t.mu.Lock()
	t.onMessage = h
	t.mu.Unlock()
}

func (t *Transport) OnOpen(h transport.OpenHandler) {
	t.mu.Lock()
	t.onOpen = h
	t.mu.Unlock()
}

func (t *Transport) OnClose(h transport.CloseHandler) {
	t.mu.Lock()
	t.onClose = h
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	srv := t.server
	t.server = nil
	t.mu.Unlock()
	if srv != nil {
		srv.detach(t)
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.server != nil
}

func (t *Transport) Endpoint() (transport.Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.server != nil
}
