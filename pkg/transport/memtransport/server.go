package memtransport

import (
	"errors"
	"sync"
	"time"
)

// ErrNoClient у сервера нет подключенного клиента
var ErrNoClient = errors.New("memtransport: no client connected")

// Server серверная сторона in-memory соединения.
type Server struct {
	url      string
	registry *Registry
	incoming chan []byte

	mu     sync.Mutex
	client *Transport
}

// URL адрес, по которому сервер доступен
func (s *Server) URL() string {
	return s.url
}

// Received возвращает сообщения, отправленные клиентом
func (s *Server) Received() <-chan []byte {
	return s.incoming
}

// Next ожидает следующее сообщение клиента не дольше timeout.
func (s *Server) Next(timeout time.Duration) ([]byte, bool) {
	select {
	case msg := <-s.incoming:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Deliver синхронно передает сообщение обработчику клиента.
func (s *Server) Deliver(msg []byte) error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return ErrNoClient
	}
	return c.deliver(msg)
}

// Drop разрывает соединение со стороны сервера.
// Клиент получает OnClose с переданной ошибкой.
func (s *Server) Drop(err error) {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c != nil {
		c.remoteClosed(s, err)
	}
}

// Connected проверяет, подключен ли клиент
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *Server) attach(c *Transport) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Server) detach(c *Transport) {
	s.mu.Lock()
	if s.client == c {
		s.client = nil
	}
	s.mu.Unlock()
}

func (s *Server) push(msg []byte) error {
	data := make([]byte, len(msg))
	copy(data, msg)

	select {
	case s.incoming <- data:
		return nil
	case <-time.After(100 * time.Millisecond):
		return errors.New("memtransport: buffer full for " + s.url)
	}
}
