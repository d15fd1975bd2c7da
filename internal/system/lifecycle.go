package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/api/rest"
	"github.com/KevinKickass/OpenInputExpander/internal/api/websocket"
	"github.com/KevinKickass/OpenInputExpander/internal/auth"
	"github.com/KevinKickass/OpenInputExpander/internal/cache"
	"github.com/KevinKickass/OpenInputExpander/internal/config"
	"github.com/KevinKickass/OpenInputExpander/internal/device"
	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/hardware"
	"github.com/KevinKickass/OpenInputExpander/internal/hostlink"
	"github.com/KevinKickass/OpenInputExpander/internal/mqtt"
	"github.com/KevinKickass/OpenInputExpander/internal/sampler"
	"github.com/KevinKickass/OpenInputExpander/internal/storage"
	"github.com/KevinKickass/OpenInputExpander/internal/streaming"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttQuiesceMillis  = 250
	hostIDApp          = "openinputexpander"
)

// Options replace parts of the runtime, mainly for tests.
type Options struct {
	// Board is the hardware the device samples. Nil means a simulator.
	Board hardware.Board

	// Sleep paces the startup LED sequences. Nil means time.Sleep.
	Sleep func(time.Duration)

	// RedisDialer replaces the TCP dialer of the Redis cache.
	RedisDialer cache.Dialer
}

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	board      hardware.Board
	dispatcher *events.Dispatcher
	streamer   *events.Streamer
	device     *device.Device
	ticker     *sampler.Ticker

	authService *auth.Service
	wsHub       *websocket.Hub
	restServer  *rest.Server
	grpcServer  *streaming.Server
	hostLink    *hostlink.Server

	db          *storage.PostgresClient
	journal     *storage.Journal
	mqttClient  paho.Client
	mqttSink    *mqtt.Sink
	redisSink   *cache.Sink
	redisDialer cache.Dialer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error

	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, opts Options, logger *zap.Logger) (*LifecycleManager, error) {
	board := opts.Board
	if board == nil {
		board = hardware.NewSimulator()
	}

	// Hashed so the raw machine id never leaves the host.
	hostID, err := machineid.ProtectedID(hostIDApp)
	if err != nil {
		logger.Warn("Machine id unavailable", zap.Error(err))
	}

	dispatcher := events.NewDispatcher(cfg.Events.QueueSize, logger)
	dev := device.New(board, dispatcher, device.Options{
		StrictHardwareCheck: cfg.Device.StrictHardwareCheck,
		VisualEnabled:       cfg.Device.VisualEnabled,
		Defaults: device.Defaults{
			InputSampling:   types.InputSamplingMode(cfg.Device.InputSampling),
			EncoderSampling: types.EncoderMode(cfg.Device.EncoderSampling),
			ExpansionBoard:  types.ExpansionBoard(cfg.Device.ExpansionBoard),
		},
		Sleep:  opts.Sleep,
		HostID: hostID,
	}, logger)

	streamer := events.NewStreamer(cfg.Events.StreamBuffer)
	authService := auth.NewService(cfg.Auth, logger)
	wsHub := websocket.NewHub(logger, authService)

	restServer, err := rest.NewServer(cfg, dev, dispatcher, wsHub, authService, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create REST server: %w", err)
	}

	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		board:        board,
		dispatcher:   dispatcher,
		streamer:     streamer,
		device:       dev,
		ticker:       sampler.NewTicker(dev, cfg.Device.TickPeriod, logger),
		authService:  authService,
		wsHub:        wsHub,
		restServer:   restServer,
		redisDialer:  opts.RedisDialer,
		currentState: StateInitializing,
	}

	lm.grpcServer = streaming.NewServer(
		fmt.Sprintf(":%d", cfg.Server.GRPCPort),
		streaming.NewExpanderService(dev, streamer, authService, logger),
		logger)

	lm.hostLink = hostlink.NewServer(
		fmt.Sprintf(":%d", cfg.Server.HostLinkPort),
		dev, streamer, cfg.Server.HostLinkTimeout, logger)

	restServer.SetSystem(lm)
	restServer.SetStreamStats(streamer)

	return lm, nil
}

// Start brings the device up and opens every transport. A board that fails
// the strict identity check leaves the system in StateFault with sampling off.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenInputExpander",
		zap.Uint16("who_am_i", types.WhoAmI),
		zap.Duration("tick_period", lm.config.Device.TickPeriod))

	runCtx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	if err := lm.startSinks(ctx, runCtx); err != nil {
		lm.setError(err)
		return err
	}

	fault := false
	if err := lm.device.Initialize(); err != nil {
		if !errors.Is(err, types.ErrHardwareMismatch) {
			lm.setError(fmt.Errorf("device initialization failed: %w", err))
			return err
		}
		fault = true
	}

	if !fault {
		if err := lm.ticker.Start(); err != nil {
			lm.setError(fmt.Errorf("failed to start ticker: %w", err))
			return err
		}
	}

	if err := lm.grpcServer.Start(); err != nil {
		lm.setError(err)
		return err
	}

	if err := lm.restServer.Start(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		if err := lm.hostLink.ListenAndServe(runCtx); err != nil {
			lm.logger.Error("Host link failed", zap.Error(err))
		}
	}()

	if fault {
		lm.setState(StateFault)
		lm.logger.Error("System started in fault state, sampling disabled")
		return nil
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("hostlink_port", lm.config.Server.HostLinkPort),
		zap.Bool("journal", lm.journal != nil),
		zap.Bool("mqtt", lm.mqttClient != nil),
		zap.Bool("redis", lm.redisSink != nil))

	return nil
}

// startSinks attaches every event consumer before the first tick can emit.
func (lm *LifecycleManager) startSinks(ctx, runCtx context.Context) error {
	lm.dispatcher.AddSink(lm.streamer)
	lm.dispatcher.AddSink(lm.wsHub)

	if lm.config.Database.Enabled {
		db, err := storage.Connect(ctx, lm.config.Database, lm.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return err
		}
		lm.db = db

		sessionID, err := uuid.Parse(lm.device.Info().SessionID)
		if err != nil {
			return fmt.Errorf("invalid device session id: %w", err)
		}
		lm.journal = storage.NewJournal(db, sessionID,
			lm.config.Database.BatchSize, lm.config.Database.FlushInterval, lm.logger)
		lm.dispatcher.AddSink(lm.journal)
		lm.restServer.SetHistory(db)

		lm.goRun(func() { lm.journal.Run(runCtx) })
		lm.logger.Info("Event journal enabled", zap.String("host", lm.config.Database.Host))
	}

	if lm.config.MQTT.Enabled {
		client, err := mqtt.Connect(lm.config.MQTT, mqttConnectTimeout, lm.logger)
		if err != nil {
			return err
		}
		lm.mqttClient = client
		lm.mqttSink = mqtt.NewSink(client, lm.config.MQTT.TopicPrefix, lm.config.MQTT.QoS, lm.config.MQTT.QueueSize, lm.logger)
		lm.dispatcher.AddSink(lm.mqttSink)
		lm.goRun(func() { lm.mqttSink.Run(runCtx) })
	}

	if lm.config.Redis.Enabled {
		dial := lm.redisDialer
		if dial == nil {
			dial = cache.TCPDialer(lm.config.Redis)
		}
		lm.redisSink = cache.NewSink(dial, lm.config.Redis.KeyPrefix, lm.config.Redis.QueueSize, lm.logger)
		lm.dispatcher.AddSink(lm.redisSink)
		lm.goRun(func() { lm.redisSink.Run(runCtx) })
		lm.logger.Info("Redis cache enabled", zap.String("address", lm.config.Redis.Address))
	}

	lm.goRun(func() { lm.dispatcher.Run(runCtx) })
	lm.goRun(func() { lm.wsHub.Run(runCtx) })
	return nil
}

func (lm *LifecycleManager) goRun(fn func()) {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		fn()
	}()
}

// Shutdown stops everything in reverse start order.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	if err := lm.restServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
	}
	lm.grpcServer.Shutdown(ctx)
	lm.hostLink.Close()
	lm.ticker.Stop()

	if lm.cancel != nil {
		lm.cancel()
	}

	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}

	if lm.mqttClient != nil {
		lm.disconnectMQTT(ctx)
	}
	if lm.db != nil {
		lm.db.Close()
	}

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

// disconnectMQTT gives up waiting when ctx ends first; paho's Disconnect
// blocks for as long as a stalled broker does not read.
func (lm *LifecycleManager) disconnectMQTT(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		lm.mqttClient.Disconnect(mqttQuiesceMillis)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("MQTT disconnect timed out")
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Rejected system state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)

	lm.stateMu.Lock()
	lm.lastError = err
	lm.stateMu.Unlock()
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// Status implements rest.SystemStatusProvider.
func (lm *LifecycleManager) Status() interface{} {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := SystemStatus{
		State:       lm.currentState,
		DeviceState: lm.device.State().String(),
		Ticking:     lm.ticker.IsRunning(),
		Journal:     lm.journal != nil,
		MQTT:        lm.mqttClient != nil,
		Redis:       lm.redisSink != nil,
		Timestamp:   time.Now().Unix(),
	}
	if lm.lastError != nil {
		status.Error = lm.lastError.Error()
	}
	return status
}

func (lm *LifecycleManager) Device() *device.Device {
	return lm.device
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
