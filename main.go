package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"seqfabric/internal/config"
	"seqfabric/internal/gate"
	httpapi "seqfabric/internal/http"
	"seqfabric/internal/logging"
	"seqfabric/internal/networking"
	"seqfabric/internal/sequencer"
	"seqfabric/internal/trace"
	"seqfabric/internal/transport"
	"seqfabric/internal/wire"
)

const connOutboundBuffer = 256

// connHandle binds a sequencer session to the byte channel carrying its frames, and to the
// per-connection outbound buffer the dispatch loop feeds.
type connHandle struct {
	channel  transport.Channel
	session  *sequencer.Session
	outbound chan wire.Frame
	key      string
}

// inboundEvent is what a connection's reader goroutine reports to the fabric's single
// dispatch loop: either a decoded frame, or the error that ended the connection.
type inboundEvent struct {
	handle *connHandle
	frame  wire.Frame
	err    error
}

// Fabric is the host process wiring the sequencer core to real transports and the ambient
// stack (logging, bandwidth regulation, trace recording, admin HTTP surface). The sequencer
// itself is single-threaded; every mutation below happens on the one goroutine running Run.
type Fabric struct {
	sq      *sequencer.Sequencer
	inbound chan inboundEvent

	connsMu         sync.Mutex
	conns           map[sequencer.ClientId]*connHandle
	pendingSessions int

	stateMu    sync.RWMutex
	startedAt  time.Time
	startupErr error

	log *logging.Logger

	wsAuthenticator websocketAuthenticator
	maxClients      int

	bandwidth *networking.BandwidthRegulator
	metrics   *networking.DeliveryMetrics
	intentGate *gate.Gate

	traceRecorder *trace.Recorder
	traceCleaner  *trace.Cleaner

	publishes int64
	delivers  int64
	grants    int64
}

// FabricOption customises Fabric construction, mirroring the teacher's functional-options
// pattern for its top-level server type.
type FabricOption func(*Fabric)

// WithBandwidthRegulator overrides the default per-session bandwidth regulator.
func WithBandwidthRegulator(regulator *networking.BandwidthRegulator) FabricOption {
	return func(f *Fabric) {
		if f == nil || regulator == nil {
			return
		}
		f.bandwidth = regulator
	}
}

// WithIntentGate overrides the default sequence/freshness gate applied to publications.
func WithIntentGate(g *gate.Gate) FabricOption {
	return func(f *Fabric) {
		if f == nil || g == nil {
			return
		}
		f.intentGate = g
	}
}

// WithTraceRecorder attaches a trace recorder; every publish/deliver/grant transition is
// mirrored into it via the sequencer's Debug hook.
func WithTraceRecorder(recorder *trace.Recorder) FabricOption {
	return func(f *Fabric) {
		if f == nil || recorder == nil {
			return
		}
		f.traceRecorder = recorder
	}
}

// WithTraceCleaner attaches a retention sweeper for recorded trace runs.
func WithTraceCleaner(cleaner *trace.Cleaner) FabricOption {
	return func(f *Fabric) {
		if f == nil || cleaner == nil {
			return
		}
		f.traceCleaner = cleaner
	}
}

// NewFabric constructs a Fabric ready to accept connections.
func NewFabric(maxClients int, startedAt time.Time, logger *logging.Logger, opts ...FabricOption) *Fabric {
	if logger == nil {
		logger = logging.L()
	}
	f := &Fabric{
		sq:        sequencer.New(),
		inbound:   make(chan inboundEvent, 256),
		conns:     make(map[sequencer.ClientId]*connHandle),
		startedAt: startedAt,
		log:       logger,
		maxClients: maxClients,
		bandwidth: networking.NewBandwidthRegulator(config.DefaultBandwidthBytesPerSecond, nil),
		metrics:   networking.NewDeliveryMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.wsAuthenticator == nil {
		f.wsAuthenticator = allowAllAuthenticator{}
	}
	if f.intentGate == nil {
		f.intentGate = gate.NewGate(gate.Config{MaxAge: 0, MinInterval: 0}, logger.With(logging.String("component", "intent_gate")))
	}
	f.sq.Debug = f.observe
	return f
}

// SnapshotSessionCounts implements httpapi.ReadinessProvider.
func (f *Fabric) SnapshotSessionCounts() (sessions, pending int) {
	f.connsMu.Lock()
	defer f.connsMu.Unlock()
	return len(f.conns), f.pendingSessions
}

// StartupError implements httpapi.ReadinessProvider.
func (f *Fabric) StartupError() error {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.startupErr
}

// Uptime implements httpapi.ReadinessProvider.
func (f *Fabric) Uptime() time.Duration {
	f.stateMu.RLock()
	started := f.startedAt
	f.stateMu.RUnlock()
	if started.IsZero() {
		return 0
	}
	return time.Since(started)
}

// Stats implements httpapi.StatsFunc.
func (f *Fabric) Stats() (publishes, delivers, grants int) {
	return int(atomic.LoadInt64(&f.publishes)), int(atomic.LoadInt64(&f.delivers)), int(atomic.LoadInt64(&f.grants))
}

// DumpTrace implements httpapi.TraceDumper.
func (f *Fabric) DumpTrace(ctx context.Context) (string, error) {
	if f.traceRecorder == nil {
		return "", errors.New("trace recorder unavailable")
	}
	if err := f.traceRecorder.Flush(); err != nil {
		return "", err
	}
	return f.traceRecorder.Directory(), nil
}

// observe is the sequencer's Debug hook: it updates cumulative counters and, when a trace
// recorder is attached, mirrors the transition into it. Never on the sequencer's critical path
// for longer than a counter increment and an append.
func (f *Fabric) observe(e sequencer.Event) {
	switch e.Kind {
	case sequencer.EventPublish:
		atomic.AddInt64(&f.publishes, 1)
	case sequencer.EventDeliver:
		atomic.AddInt64(&f.delivers, 1)
	case sequencer.EventGrant:
		atomic.AddInt64(&f.grants, 1)
	}
	if f.traceRecorder == nil {
		return
	}
	kind := trace.EventKind(e.Kind)
	if err := f.traceRecorder.AppendEvent(trace.Event{
		Kind:       kind,
		ClientID:   uint32(e.ClientID),
		PublishSeq: e.PublishSeq,
		ReceiveSeq: e.ReceiveSeq,
		Channel:    e.Channel,
		Payload:    e.Payload,
	}); err != nil {
		f.log.Warn("trace append failed", logging.Error(err))
	}
}

// Serve admits a freshly connected channel: it registers a sequencer session, starts the
// connection's writer goroutine, and blocks reading frames until the channel closes.
func (f *Fabric) Serve(ctx context.Context, channel transport.Channel) {
	f.connsMu.Lock()
	if f.maxClients > 0 && len(f.conns)+f.pendingSessions >= f.maxClients {
		f.connsMu.Unlock()
		f.log.Warn("refusing connection: client limit reached", logging.Int("max_clients", f.maxClients))
		_ = channel.Close()
		return
	}
	f.pendingSessions++
	f.connsMu.Unlock()

	session := f.sq.Register()
	handle := &connHandle{channel: channel, session: session, outbound: make(chan wire.Frame, connOutboundBuffer)}
	handle.key = fmt.Sprintf("pending-%p", handle)

	f.connsMu.Lock()
	f.conns[session.ID] = handle
	f.connsMu.Unlock()

	go f.writeLoop(ctx, handle)
	f.readLoop(ctx, handle)
}

func (f *Fabric) readLoop(ctx context.Context, handle *connHandle) {
	for {
		frame, err := handle.channel.Recv(ctx)
		if err != nil {
			select {
			case f.inbound <- inboundEvent{handle: handle, err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case f.inbound <- inboundEvent{handle: handle, frame: frame}:
		case <-ctx.Done():
			return
		}
	}
}

func (f *Fabric) writeLoop(ctx context.Context, handle *connHandle) {
	for {
		select {
		case frame, ok := <-handle.outbound:
			if !ok {
				_ = handle.channel.Close()
				return
			}
			if err := handle.channel.Send(ctx, frame); err != nil {
				return
			}
		case <-ctx.Done():
			_ = handle.channel.Close()
			return
		}
	}
}

// Run drives the sequencer from a single goroutine, the only writer of sequencer state: every
// inbound frame or disconnect event is processed here, in arrival order, and every session's
// outbound queue is flushed before the next event is handled, except for frames the bandwidth
// regulator defers to a later flush pass.
func (f *Fabric) Run(ctx context.Context) {
	for {
		select {
		case ev := <-f.inbound:
			f.handleEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (f *Fabric) handleEvent(ev inboundEvent) {
	// A session already torn down may still have frames or its closing error in flight from
	// its reader goroutine; its connection has already been forgotten.
	if ev.handle.session.State == sequencer.Dead {
		return
	}
	if ev.err != nil {
		f.sq.Fail(ev.handle.session)
		f.sq.Evict(ev.handle.session)
		f.forgetConn(ev.handle)
		f.flushAll()
		return
	}

	if ev.frame.Tag == wire.TagHello {
		f.connsMu.Lock()
		if f.pendingSessions > 0 {
			f.pendingSessions--
		}
		f.connsMu.Unlock()
	}

	if ev.frame.Tag == wire.TagPublish && f.intentGate != nil {
		decision := f.intentGate.Evaluate(gate.Intent{
			ClientID: ev.handle.key,
			SeqNum:   ev.frame.PublishSeq,
			SentAt:   time.Time{},
		})
		if !decision.Accepted {
			f.log.Warn("rejecting publication", logging.String("session", ev.handle.key), logging.String("reason", decision.Reason.String()))
			f.sq.Fail(ev.handle.session)
			f.sq.Evict(ev.handle.session)
			f.forgetConn(ev.handle)
			f.flushAll()
			return
		}
	}

	if err := f.sq.Apply(ev.handle.session, ev.frame); err != nil {
		f.log.Warn("protocol violation", logging.Error(err), logging.String("session", ev.handle.key))
		f.sq.Evict(ev.handle.session)
		f.forgetConn(ev.handle)
		f.flushAll()
		return
	}

	if ev.handle.session.ID != 0 {
		f.connsMu.Lock()
		if _, ok := f.conns[ev.handle.session.ID]; !ok {
			// Serve registered the connection before Hello assigned its ClientId (under 0);
			// move it to the assigned id so flushAll can find it.
			if f.conns[0] == ev.handle {
				delete(f.conns, 0)
			}
			f.conns[ev.handle.session.ID] = ev.handle
			ev.handle.key = fmt.Sprintf("%d", ev.handle.session.ID)
		}
		f.connsMu.Unlock()
	}

	f.flushAll()
}

// flushAll pushes every session's queued outbound frames onto their connection's writer
// goroutine. A session may gain outbound frames as a side effect of another session's publish
// or advance request, so every dispatch pass flushes the whole sequencer, not just the session
// that triggered it.
func (f *Fabric) flushAll() {
	for _, s := range f.sq.Sessions() {
		frames := s.Flush()
		if len(frames) == 0 {
			continue
		}
		f.connsMu.Lock()
		handle, ok := f.conns[s.ID]
		f.connsMu.Unlock()
		if !ok {
			continue
		}
		for i, fr := range frames {
			encoded, err := wire.Encode(fr)
			if err != nil {
				f.log.Error("failed to encode outbound frame", logging.Error(err))
				continue
			}
			if f.bandwidth != nil && !f.bandwidth.Allow(handle.key, len(encoded)) {
				// Never drop a queued frame to pace bandwidth: delivery order and completeness
				// are guaranteed by the sequencer regardless of transport throughput. Instead,
				// defer the rest of this session's batch to the next flush pass, once its token
				// bucket has replenished.
				f.log.Debug("bandwidth budget exceeded, deferring remainder", logging.String("session", handle.key), logging.Int("bytes", len(encoded)))
				s.Defer(frames[i:])
				break
			}
			select {
			case handle.outbound <- fr:
				if f.metrics != nil {
					f.metrics.Observe(handle.key, len(encoded), nil)
				}
			default:
				f.log.Warn("disconnecting session: outbound buffer full", logging.String("session", handle.key))
				f.sq.Fail(s)
				f.sq.Evict(s)
				f.forgetConn(handle)
			}
			if s.State == sequencer.Dead {
				break
			}
		}
	}
}

func (f *Fabric) forgetConn(handle *connHandle) {
	f.connsMu.Lock()
	if handle.session.ID != 0 {
		delete(f.conns, handle.session.ID)
	}
	f.connsMu.Unlock()
	close(handle.outbound)
	if f.bandwidth != nil {
		f.bandwidth.Forget(handle.key)
	}
	if f.metrics != nil {
		f.metrics.ForgetSession(handle.key)
	}
	if f.intentGate != nil {
		f.intentGate.Forget(handle.key)
	}
}

// serveTCP runs the TCP accept loop until ctx is cancelled.
func (f *Fabric) serveTCP(ctx context.Context, ln *transport.TCPListener) {
	for {
		channel, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.Warn("tcp accept failed", logging.Error(err))
			continue
		}
		go f.Serve(ctx, channel)
	}
}

// wsHandler returns the HTTP handler admitting WebSocket connections, authenticating each
// upgrade request before the fabric ever sees the resulting Channel.
func (f *Fabric) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(logging.String("remote_addr", r.RemoteAddr))
		if f.wsAuthenticator != nil {
			if _, err := f.wsAuthenticator.Authenticate(r); err != nil {
				reqLogger.Warn("rejecting websocket connection: authentication failed", logging.Error(err))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		channel, err := transport.Upgrade(w, r)
		if err != nil {
			reqLogger.Error("websocket upgrade failed", logging.Error(err))
			return
		}
		// Serve blocks until the channel closes, which keeps r.Context() alive for the session.
		f.Serve(r.Context(), channel)
	}
}

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var fabricOptions []FabricOption

	if cfg.BandwidthBytesPerSec > 0 {
		fabricOptions = append(fabricOptions, WithBandwidthRegulator(networking.NewBandwidthRegulator(cfg.BandwidthBytesPerSec, nil)))
	}

	if cfg.TraceDir != "" {
		recorder, _, err := trace.NewRecorder(cfg.TraceDir, "run", nil)
		if err != nil {
			logger.Fatal("failed to initialise trace recorder", logging.Error(err))
		}
		fabricOptions = append(fabricOptions, WithTraceRecorder(recorder))
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Warn("trace recorder close failed", logging.Error(err))
			}
		}()

		cleaner := trace.NewCleaner(cfg.TraceDir, trace.RetentionPolicy{MaxRuns: cfg.TraceMaxRuns, MaxAge: cfg.TraceMaxAge}, logger.With(logging.String("component", "trace_cleaner")))
		fabricOptions = append(fabricOptions, WithTraceCleaner(cleaner))
	}

	if cfg.HandshakeSecret != "" {
		authenticator, err := newHMACWebsocketAuthenticator(cfg.HandshakeSecret)
		if err != nil {
			logger.Fatal("failed to configure websocket authenticator", logging.Error(err))
		}
		fabricOptions = append(fabricOptions, WithWebsocketAuthenticator(authenticator))
		logger.Info("websocket HMAC handshake authentication enabled")
	} else {
		logger.Info("websocket handshake authentication disabled")
	}

	fabric := NewFabric(cfg.MaxClients, startedAt, logger, fabricOptions...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fabric.Run(ctx)

	if fabric.traceCleaner != nil {
		go fabric.traceCleaner.Run(ctx, time.Hour)
	}

	var tcpListener *transport.TCPListener
	switch cfg.Transport {
	case "tcp":
		tcpListener, err = transport.ListenTCP(cfg.Address)
		if err != nil {
			logger.Fatal("failed to start tcp listener", logging.Error(err), logging.String("address", cfg.Address))
		}
		go fabric.serveTCP(ctx, tcpListener)
		logger.Info("fabric listening for tcp connections", logging.String("address", cfg.Address))
	case "ws":
		logger.Info("fabric listening for websocket connections", logging.String("address", cfg.Address))
	default:
		logger.Fatal("unsupported transport", logging.String("transport", cfg.Transport))
	}

	var limiter httpapi.RateLimiter
	if cfg.TraceDumpWindow > 0 && cfg.TraceDumpBurst > 0 {
		limiter = httpapi.NewSlidingWindowLimiter(cfg.TraceDumpWindow, cfg.TraceDumpBurst, nil)
	}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Readiness: fabric,
		Stats:     fabric.Stats,
		Metrics:   fabric.metrics,
		Bandwidth: fabric.bandwidth,
		Trace:     httpapi.TraceDumperFunc(fabric.DumpTrace),
		TraceStats: func() trace.Stats {
			if fabric.traceRecorder == nil {
				return trace.Stats{}
			}
			return fabric.traceRecorder.Stats()
		},
		TraceUsage: func() trace.StorageStats {
			if fabric.traceCleaner == nil {
				return trace.StorageStats{}
			}
			return fabric.traceCleaner.Stats()
		},
		AdminToken:  cfg.AdminToken,
		RateLimiter: limiter,
	})

	mux := http.NewServeMux()
	if cfg.Transport == "ws" {
		mux.HandleFunc("/ws", fabric.wsHandler())
	}
	opsHandlers.Register(mux)
	handler := logging.HTTPTraceMiddleware(logger)(mux)

	adminAddr := cfg.AdminAddress
	if cfg.Transport == "ws" {
		adminAddr = cfg.Address
	}

	server := &http.Server{Addr: adminAddr, Handler: handler}
	logger.Info("admin/debug http surface listening", logging.String("address", adminAddr))

	serveErr := make(chan error, 1)
	go func() {
		certProvided := cfg.TLSCertPath != ""
		if certProvided {
			serveErr <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serveErr <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", logging.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server terminated unexpectedly", logging.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful http shutdown failed", logging.Error(err))
	}
	if tcpListener != nil {
		_ = tcpListener.Close()
	}
	cancel()
}
