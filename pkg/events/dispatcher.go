// Package events реализует упорядоченную доставку событий подписчикам.
//
// Dispatcher хранит FIFO очередь. Первый публикующий вызов забирает роль
// доставщика и разбирает очередь до конца; публикации, сделанные во время
// доставки (в том числе из обработчиков), попадают в конец очереди.
// Поэтому события одной сессии доставляются строго в порядке публикации.
//
// После доставки терминального события сессия получает tombstone, и все
// последующие события с тем же ключом отбрасываются.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arzzra/webphone/pkg/logger"
)

// DefaultTombstoneCapacity сколько завершенных сессий помнит dispatcher
const DefaultTombstoneCapacity = 1024

// Event событие, которое умеет доставлять Dispatcher
type Event interface {
	// SessionKey ключ сессии; пустая строка для событий агента
	SessionKey() string
	// Terminal true для последнего события сессии
	Terminal() bool
}

// Handler обработчик событий
type Handler[E Event] func(E)

// Subscription возвращается из Subscribe
type Subscription interface {
	// Unsubscribe отключает подписчика; повторный вызов безопасен
	Unsubscribe()
}

// Option настраивает Dispatcher
type Option func(*options)

type options struct {
	capacity int
	log      logger.StructuredLogger
}

// WithTombstoneCapacity задает размер LRU для завершенных сессий
func WithTombstoneCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithLogger задает logger
func WithLogger(l logger.StructuredLogger) Option {
	return func(o *options) { o.log = l }
}

// Dispatcher доставляет события подписчикам в порядке публикации.
type Dispatcher[E Event] struct {
	log logger.StructuredLogger

	mu         sync.Mutex
	subs       []*subscriber[E]
	queue      []E
	draining   bool
	closed     bool
	tombstones *lru.Cache[string, struct{}]
}

type subscriber[E Event] struct {
	fn     Handler[E]
	active atomic.Bool
	d      *Dispatcher[E]
}

func (s *subscriber[E]) Unsubscribe() {
	if !s.active.Swap(false) {
		return
	}
	s.d.remove(s)
}

// New создает Dispatcher
func New[E Event](opts ...Option) *Dispatcher[E] {
	o := options{capacity: DefaultTombstoneCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		o.capacity = DefaultTombstoneCapacity
	}
	if o.log == nil {
		o.log = logger.Noop()
	}

	cache, err := lru.New[string, struct{}](o.capacity)
	if err != nil {
		// lru.New возвращает ошибку только для неположительного размера
		panic(fmt.Sprintf("events: %v", err))
	}

	return &Dispatcher[E]{
		log:        o.log.WithComponent("events"),
		tombstones: cache,
	}
}

// Subscribe добавляет подписчика. Подписчик получает только события,
// доставка которых началась после подписки.
func (d *Dispatcher[E]) Subscribe(fn Handler[E]) Subscription {
	s := &subscriber[E]{fn: fn, d: d}
	s.active.Store(true)

	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	return s
}

func (d *Dispatcher[E]) remove(s *subscriber[E]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.subs {
		if cur == s {
			// копия: доставка может итерировать по старому срезу
			subs := make([]*subscriber[E], 0, len(d.subs)-1)
			subs = append(subs, d.subs[:i]...)
			d.subs = append(subs, d.subs[i+1:]...)
			return
		}
	}
}

// Publish ставит событие в очередь и, если доставка не идет, разбирает очередь.
func (d *Dispatcher[E]) Publish(e E) {
	d.Enqueue(e)
	d.Flush()
}

// Enqueue ставит событие в очередь без доставки. Позволяет вызывающему
// зафиксировать порядок под своей блокировкой и доставить позже через Flush.
func (d *Dispatcher[E]) Enqueue(e E) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
}

// Flush доставляет очередь, если её не разбирает другой вызов.
func (d *Dispatcher[E]) Flush() {
	d.mu.Lock()
	if d.draining || len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.drainLocked()
}

// drainLocked вызывается с захваченным mu и возвращается с освобожденным.
func (d *Dispatcher[E]) drainLocked() {
	for len(d.queue) > 0 && !d.closed {
		e := d.queue[0]
		var zero E
		d.queue[0] = zero
		d.queue = d.queue[1:]

		key := e.SessionKey()
		if key != "" {
			if d.tombstones.Contains(key) {
				d.log.Debug(context.Background(), "событие завершенной сессии отброшено",
					logger.String("session_id", key), logger.String("event", fmt.Sprintf("%T", e)))
				continue
			}
			if e.Terminal() {
				d.tombstones.Add(key, struct{}{})
			}
		}

		subs := d.subs
		d.mu.Unlock()
		for _, s := range subs {
			if !s.active.Load() {
				continue
			}
			d.deliver(s, e)
		}
		d.mu.Lock()
	}
	d.queue = nil
	d.draining = false
	d.mu.Unlock()
}

func (d *Dispatcher[E]) deliver(s *subscriber[E], e E) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(context.Background(), "паника в подписчике",
				logger.Any("panic", r), logger.String("event", fmt.Sprintf("%T", e)))
		}
	}()
	s.fn(e)
}

// Suppress помечает сессию завершенной: её события больше не доставляются,
// включая уже стоящие в очереди.
func (d *Dispatcher[E]) Suppress(key string) {
	if key == "" {
		return
	}
	d.mu.Lock()
	d.tombstones.Add(key, struct{}{})
	d.mu.Unlock()
}

// Suppressed проверяет, отбрасываются ли события сессии
func (d *Dispatcher[E]) Suppressed(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tombstones.Contains(key)
}

// Close отбрасывает очередь и прекращает доставку. Повторный вызов безопасен.
func (d *Dispatcher[E]) Close() {
	d.mu.Lock()
	d.closed = true
	d.queue = nil
	d.subs = nil
	d.mu.Unlock()
}
