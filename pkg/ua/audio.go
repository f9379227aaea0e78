package ua

import (
	"sync"

	"github.com/arzzra/webphone/pkg/events"
)

// AudioSink внешний проигрыватель тонов
type AudioSink interface {
	Play(tone Tone)
	Stop(tone Tone)
}

// ToneRouter пересылает ToneEvent в AudioSink
type ToneRouter struct {
	sink AudioSink
	sub  events.Subscription
	once sync.Once
}

// RouteTones подписывает sink на тоны агента
func RouteTones(a *UserAgent, sink AudioSink) *ToneRouter {
	r := &ToneRouter{sink: sink}
	r.sub = a.Subscribe(r.handle)
	return r
}

func (r *ToneRouter) handle(e Event) {
	te, ok := e.(ToneEvent)
	if !ok {
		return
	}
	switch te.Action {
	case ToneStart:
		r.sink.Play(te.Tone)
	case ToneStop:
		r.sink.Stop(te.Tone)
	}
}

// Close отключает router от агента
func (r *ToneRouter) Close() {
	r.once.Do(r.sub.Unsubscribe)
}
