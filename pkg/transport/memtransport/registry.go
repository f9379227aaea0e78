package memtransport

import (
	"fmt"
	"sync"

	"github.com/arzzra/webphone/pkg/transport"
)

// Registry управляет серверами и маршрутизацией сообщений.
type Registry struct {
	mu         sync.RWMutex
	servers    map[string]*Server
	bufferSize int
}

// NewRegistry создает новый Registry.
func NewRegistry() *Registry {
	return &Registry{
		servers:    make(map[string]*Server),
		bufferSize: 256,
	}
}

// SetBufferSize устанавливает размер очереди для новых серверов.
func (r *Registry) SetBufferSize(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bufferSize = size
}

// Listen делает точку подключения доступной и возвращает её сервер.
func (r *Registry) Listen(url string) *Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	srv := &Server{
		url:      url,
		registry: r,
		incoming: make(chan []byte, r.bufferSize),
	}
	r.servers[url] = srv
	return srv
}

// Remove делает точку подключения недоступной для новых подключений.
func (r *Registry) Remove(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, url)
}

func (r *Registry) lookup(url string) (*Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srv, ok := r.servers[url]
	if !ok {
		return nil, fmt.Errorf("connection refused: %s", url)
	}
	return srv, nil
}

// NewTransport создает клиентский транспорт с точками подключения.
func (r *Registry) NewTransport(endpoints ...transport.Endpoint) *Transport {
	return &Transport{
		registry:  r,
		endpoints: append([]transport.Endpoint(nil), endpoints...),
	}
}
