// Package media_sdp реализует SDP offer/answer (RFC 3264) для сессий webphone.
//
// Ядро звонка работает с negotiator как с непрозрачным сервисом: отдает и
// получает SDP в виде байтов. SDPNegotiator - реализация по умолчанию на
// github.com/pion/sdp/v3, которая выделяет RTP порты и выбирает кодеки.
package media_sdp

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/pion/sdp/v3"
)

// Constraints набор медиа потоков для звонка
type Constraints struct {
	Audio bool
	Video bool
}

// Negotiator интерфейс медиа согласования
type Negotiator interface {
	// CreateOffer создает локальное предложение для исходящей сессии
	CreateOffer(ctx context.Context, sessionID string, c Constraints) ([]byte, error)
	// CreateAnswer отвечает на удаленное предложение
	CreateAnswer(ctx context.Context, sessionID string, offer []byte, c Constraints) ([]byte, error)
	// ApplyAnswer применяет удаленный ответ на ранее созданное предложение
	ApplyAnswer(ctx context.Context, sessionID string, answer []byte) error
	// Release освобождает ресурсы сессии; повторный вызов безопасен
	Release(sessionID string)
}

// Stream итог согласования одного медиа потока
type Stream struct {
	Kind       MediaKind
	LocalPort  int
	RemoteAddr string
	Codec      CodecInfo
	Direction  string
	// DTMFPayloadType -1 если telephone-event не согласован
	DTMFPayloadType int
}

// Result итог согласования сессии
type Result struct {
	Streams []Stream
}

type negotiation struct {
	originID uint64
	version  uint64
	local    *sdp.SessionDescription
	ports    []int
	result   *Result
}

// SDPNegotiator реализация Negotiator на pion/sdp
type SDPNegotiator struct {
	config Config
	ports  *portAllocator

	mu       sync.Mutex
	sessions map[string]*negotiation
}

var _ Negotiator = (*SDPNegotiator)(nil)

// NewSDPNegotiator создает negotiator
func NewSDPNegotiator(config Config) (*SDPNegotiator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &SDPNegotiator{
		config:   config,
		ports:    newPortAllocator(config.PortMin, config.PortMax),
		sessions: make(map[string]*negotiation),
	}, nil
}

func (n *SDPNegotiator) dtmfPT() int {
	if !n.config.DTMFEnabled {
		return -1
	}
	return int(n.config.DTMFPayloadType)
}

func kinds(c Constraints) []MediaKind {
	var out []MediaKind
	if c.Audio || !c.Video {
		out = append(out, MediaAudio)
	}
	if c.Video {
		out = append(out, MediaVideo)
	}
	return out
}

func (n *SDPNegotiator) allocate(sessionID string, count int) ([]int, error) {
	ports := make([]int, 0, count)
	for i := 0; i < count; i++ {
		p, err := n.ports.Allocate()
		if err != nil {
			for _, used := range ports {
				n.ports.Release(used)
			}
			return nil, WrapSDPError(ErrorCodePortsExhausted, sessionID, err, "не удалось выделить RTP порт")
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// CreateOffer создает предложение с m= строкой на каждый запрошенный тип медиа.
// Повторный вызов для той же сессии увеличивает версию o= строки.
func (n *SDPNegotiator) CreateOffer(ctx context.Context, sessionID string, c Constraints) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPGeneration, sessionID, err, "offer отменен")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	ks := kinds(c)
	neg := n.sessions[sessionID]
	if neg == nil {
		ports, err := n.allocate(sessionID, len(ks))
		if err != nil {
			return nil, err
		}
		neg = &negotiation{originID: rand.Uint64N(1 << 62), ports: ports}
		n.sessions[sessionID] = neg
	} else {
		neg.version++
	}

	local := n.newSessionDescription(neg.originID, neg.version)
	for i, kind := range ks {
		if i >= len(neg.ports) {
			break
		}
		local.MediaDescriptions = append(local.MediaDescriptions,
			n.buildMedia(kind, neg.ports[i], n.config.codecs(kind), "sendrecv", n.dtmfPT()))
	}
	neg.local = local
	neg.result = nil

	data, err := local.Marshal()
	if err != nil {
		return nil, WrapSDPError(ErrorCodeSDPGeneration, sessionID, err, "не удалось сериализовать offer")
	}
	return data, nil
}

// CreateAnswer отвечает на предложение. Неподдерживаемые или не запрошенные
// потоки отклоняются нулевым портом; если не принят ни один поток,
// возвращается ошибка ErrorCodeIncompatibleCodec.
func (n *SDPNegotiator) CreateAnswer(ctx context.Context, sessionID string, offer []byte, c Constraints) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPGeneration, sessionID, err, "answer отменен")
	}
	if len(offer) == 0 {
		return nil, NewSDPError(ErrorCodeMissingSDP, sessionID, "пустой offer")
	}

	remote := &sdp.SessionDescription{}
	if err := remote.Unmarshal(offer); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPParsing, sessionID, err, "не удалось разобрать offer")
	}

	wanted := make(map[MediaKind]bool)
	for _, k := range kinds(c) {
		wanted[k] = true
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	neg := n.sessions[sessionID]
	if neg == nil {
		neg = &negotiation{originID: rand.Uint64N(1 << 62)}
		n.sessions[sessionID] = neg
	} else {
		neg.version++
	}
	for _, p := range neg.ports {
		n.ports.Release(p)
	}
	neg.ports = nil

	local := n.newSessionDescription(neg.originID, neg.version)
	result := &Result{}
	taken := make(map[MediaKind]bool)

	for _, md := range remote.MediaDescriptions {
		kind := MediaKind(md.MediaName.Media)
		if !wanted[kind] || taken[kind] || md.MediaName.Port.Value == 0 {
			local.MediaDescriptions = append(local.MediaDescriptions, rejectedMedia(md))
			continue
		}
		codecs := selectCodecs(md, n.config.codecs(kind))
		if len(codecs) == 0 {
			local.MediaDescriptions = append(local.MediaDescriptions, rejectedMedia(md))
			continue
		}
		addr, err := remoteAddress(remote, md)
		if err != nil {
			n.releaseLocked(sessionID)
			return nil, WrapSDPError(ErrorCodeSDPParsing, sessionID, err, "некорректный offer")
		}

		port, err := n.ports.Allocate()
		if err != nil {
			n.releaseLocked(sessionID)
			return nil, WrapSDPError(ErrorCodePortsExhausted, sessionID, err, "не удалось выделить RTP порт")
		}
		neg.ports = append(neg.ports, port)

		dtmf := -1
		if kind == MediaAudio && n.config.DTMFEnabled {
			if pt, ok := telephoneEvent(md); ok {
				dtmf = pt
			}
		}
		dir := answerDirection(mediaDirection(md))
		local.MediaDescriptions = append(local.MediaDescriptions,
			n.buildMedia(kind, port, codecs[:1], dir, dtmf))

		taken[kind] = true
		result.Streams = append(result.Streams, Stream{
			Kind:            kind,
			LocalPort:       port,
			RemoteAddr:      addr,
			Codec:           codecs[0],
			Direction:       dir,
			DTMFPayloadType: dtmf,
		})
	}

	if len(result.Streams) == 0 {
		n.releaseLocked(sessionID)
		return nil, NewSDPError(ErrorCodeIncompatibleCodec, sessionID, "нет совместимых медиа потоков")
	}

	data, err := local.Marshal()
	if err != nil {
		n.releaseLocked(sessionID)
		return nil, WrapSDPError(ErrorCodeSDPGeneration, sessionID, err, "не удалось сериализовать answer")
	}
	neg.local = local
	neg.result = result
	return data, nil
}

// ApplyAnswer применяет ответ на предложение, созданное CreateOffer
func (n *SDPNegotiator) ApplyAnswer(ctx context.Context, sessionID string, answer []byte) error {
	if err := ctx.Err(); err != nil {
		return WrapSDPError(ErrorCodeSDPParsing, sessionID, err, "применение answer отменено")
	}
	if len(answer) == 0 {
		return NewSDPError(ErrorCodeMissingSDP, sessionID, "пустой answer")
	}

	remote := &sdp.SessionDescription{}
	if err := remote.Unmarshal(answer); err != nil {
		return WrapSDPError(ErrorCodeSDPParsing, sessionID, err, "не удалось разобрать answer")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	neg := n.sessions[sessionID]
	if neg == nil || neg.local == nil {
		return NewSDPError(ErrorCodeUnknownSession, sessionID, "нет offer для сессии")
	}
	if len(remote.MediaDescriptions) != len(neg.local.MediaDescriptions) {
		return NewSDPError(ErrorCodeSDPParsing, sessionID,
			"число m= строк в answer (%d) не совпадает с offer (%d)",
			len(remote.MediaDescriptions), len(neg.local.MediaDescriptions))
	}

	result := &Result{}
	for i, md := range remote.MediaDescriptions {
		offered := neg.local.MediaDescriptions[i]
		if md.MediaName.Media != offered.MediaName.Media {
			return NewSDPError(ErrorCodeSDPParsing, sessionID,
				"m= строка %d: ожидался %s, получен %s", i, offered.MediaName.Media, md.MediaName.Media)
		}
		if md.MediaName.Port.Value == 0 {
			continue
		}
		kind := MediaKind(md.MediaName.Media)
		codecs := selectCodecs(md, n.config.codecs(kind))
		if len(codecs) == 0 {
			continue
		}
		addr, err := remoteAddress(remote, md)
		if err != nil {
			return WrapSDPError(ErrorCodeSDPParsing, sessionID, err, "некорректный answer")
		}
		dtmf := -1
		if kind == MediaAudio && n.config.DTMFEnabled {
			if pt, ok := telephoneEvent(md); ok {
				dtmf = pt
			}
		}
		result.Streams = append(result.Streams, Stream{
			Kind:            kind,
			LocalPort:       offered.MediaName.Port.Value,
			RemoteAddr:      addr,
			Codec:           codecs[0],
			Direction:       answerDirection(mediaDirection(md)),
			DTMFPayloadType: dtmf,
		})
	}

	if len(result.Streams) == 0 {
		return NewSDPError(ErrorCodeIncompatibleCodec, sessionID, "answer отклонил все медиа потоки")
	}
	neg.result = result
	return nil
}

// Result возвращает итог согласования сессии
func (n *SDPNegotiator) Result(sessionID string) (Result, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	neg := n.sessions[sessionID]
	if neg == nil || neg.result == nil {
		return Result{}, false
	}
	return Result{Streams: append([]Stream(nil), neg.result.Streams...)}, true
}

func (n *SDPNegotiator) Release(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.releaseLocked(sessionID)
}

func (n *SDPNegotiator) releaseLocked(sessionID string) {
	neg := n.sessions[sessionID]
	if neg == nil {
		return
	}
	for _, p := range neg.ports {
		n.ports.Release(p)
	}
	delete(n.sessions, sessionID)
}

// PortsInUse количество занятых RTP портов
func (n *SDPNegotiator) PortsInUse() int {
	return n.ports.InUse()
}

// OfferedMedia возвращает потоки с ненулевым портом из offer.
// Пустой или неразборчивый offer дает только аудио.
func OfferedMedia(offer []byte) Constraints {
	if len(offer) == 0 {
		return Constraints{Audio: true}
	}
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(offer); err != nil {
		return Constraints{Audio: true}
	}
	var c Constraints
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		switch MediaKind(md.MediaName.Media) {
		case MediaAudio:
			c.Audio = true
		case MediaVideo:
			c.Video = true
		}
	}
	if !c.Audio && !c.Video {
		c.Audio = true
	}
	return c
}
