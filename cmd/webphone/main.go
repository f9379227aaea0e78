package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/logger"
	"github.com/arzzra/webphone/pkg/media_sdp"
	"github.com/arzzra/webphone/pkg/ua"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

func main() {
	cmd := &cli.Command{
		Name:  "webphone",
		Usage: "SIP over WebSocket softphone",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "yaml config file",
				Sources: cli.EnvVars("WEBPHONE_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "yaml config body",
				Sources: cli.EnvVars("WEBPHONE_CONFIG_BODY"),
			},
			&cli.StringFlag{
				Name:  "call",
				Usage: "target to dial once registered, e.g. sip:bob@example.com",
			},
			&cli.BoolFlag{
				Name:  "auto-answer",
				Usage: "answer incoming calls automatically",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "listen address for /metrics, overrides config",
				Sources: cli.EnvVars("WEBPHONE_METRICS_ADDR"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Command) (*config.Config, error) {
	if body := c.String("config-body"); body != "" {
		return config.Parse([]byte(body))
	}
	path := c.String("config")
	if path == "" {
		return nil, errors.New("нужен --config или --config-body")
	}
	return config.Load(path)
}

func run(ctx context.Context, c *cli.Command) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if lvl := c.String("log-level"); lvl != "" {
		conf.Log.Level = lvl
	}
	if addr := c.String("metrics-addr"); addr != "" {
		conf.Metrics.Listen = addr
	}

	log := logger.New(conf.LoggerOptions())
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	neg, err := media_sdp.NewSDPNegotiator(conf.MediaConfig())
	if err != nil {
		return err
	}
	uaCfg, err := conf.UserAgentConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := ua.NewMetrics(ua.MetricsConfig{Registerer: reg})

	agent, err := ua.NewUserAgent(uaCfg,
		ua.WithNegotiator(neg),
		ua.WithLogger(log),
		ua.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	tones := ua.RouteTones(agent, toneLog{log: log.WithComponent("tones")})
	defer tones.Close()

	p := &phone{
		ctx:        ctx,
		agent:      agent,
		log:        log.WithComponent("phone"),
		target:     c.String("call"),
		flags:      conf.MediaFlags(),
		autoAnswer: c.Bool("auto-answer"),
		register:   !uaCfg.NoRegister,
		backoff:    reconnectMin,
	}
	sub := agent.Subscribe(p.handle)
	defer sub.Unsubscribe()

	if conf.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              conf.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.LogError(ctx, err, "metrics сервер остановлен")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	agent.Start(ctx)
	<-ctx.Done()

	log.Info(context.Background(), "завершение работы")
	p.shutdown()
	agent.Stop()
	return nil
}

// phone реакция хоста на события агента
type phone struct {
	ctx        context.Context
	agent      *ua.UserAgent
	log        logger.StructuredLogger
	target     string
	flags      ua.MediaFlags
	autoAnswer bool
	register   bool

	mu      sync.Mutex
	dialed  bool
	backoff time.Duration
	retry   *time.Timer
	closed  bool
}

func (p *phone) handle(e ua.Event) {
	switch e := e.(type) {
	case ua.AgentEvent:
		fields := []logger.Field{logger.String("event", string(e.Kind)), logger.String("status", e.Status.String())}
		if e.Err != nil {
			fields = append(fields, logger.Err(e.Err))
		}
		p.log.Info(p.ctx, "агент", fields...)

		switch e.Kind {
		case ua.AgentConnected:
			p.resetBackoff()
			if !p.register {
				p.dial()
			}
		case ua.AgentRegistered:
			p.dial()
		case ua.AgentDisconnected:
			p.scheduleReconnect()
		}

	case ua.IncomingSessionEvent:
		p.log.Info(p.ctx, "входящий вызов",
			logger.String("session_id", e.Snapshot.ID),
			logger.String("from", e.Snapshot.RemoteURI),
			logger.String("name", e.Snapshot.RemoteName))
		if p.autoAnswer {
			s := e.Session
			go func() {
				if err := s.Answer(p.ctx); err != nil {
					p.log.LogError(p.ctx, err, "не удалось ответить", logger.String("session_id", s.ID()))
				}
			}()
		}

	case ua.SessionEvent:
		fields := []logger.Field{
			logger.String("session_id", e.Snapshot.ID),
			logger.String("from", e.From.String()),
			logger.String("to", e.To.String()),
		}
		if e.To.IsTerminal() {
			fields = append(fields,
				logger.String("cause", string(e.Snapshot.Cause)),
				logger.Duration("duration", e.Snapshot.Duration()))
		}
		if e.Err != nil {
			fields = append(fields, logger.Err(e.Err))
		}
		p.log.Info(p.ctx, "сессия", fields...)
	}
}

// dial набирает --call один раз за время работы
func (p *phone) dial() {
	p.mu.Lock()
	if p.target == "" || p.dialed || p.closed {
		p.mu.Unlock()
		return
	}
	p.dialed = true
	p.mu.Unlock()

	s := p.agent.Call(p.target, p.flags)
	p.log.Info(p.ctx, "исходящий вызов", logger.String("session_id", s.ID()), logger.String("target", p.target))
}

func (p *phone) resetBackoff() {
	p.mu.Lock()
	p.backoff = reconnectMin
	p.mu.Unlock()
}

func (p *phone) scheduleReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.ctx.Err() != nil {
		return
	}
	delay := p.backoff
	p.backoff = min(p.backoff*2, reconnectMax)

	p.log.Info(p.ctx, "переподключение", logger.Duration("delay", delay))
	p.retry = time.AfterFunc(delay, func() {
		p.agent.Start(p.ctx)
	})
}

func (p *phone) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.retry != nil {
		p.retry.Stop()
	}
}

// toneLog вместо проигрывателя пишет тоны в лог
type toneLog struct {
	log logger.StructuredLogger
}

func (t toneLog) Play(tone ua.Tone) {
	t.log.Debug(context.Background(), "play", logger.String("tone", string(tone)))
}

func (t toneLog) Stop(tone ua.Tone) {
	t.log.Debug(context.Background(), "stop", logger.String("tone", string(tone)))
}
