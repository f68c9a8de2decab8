// Package app initializes and holds the long-lived capture services, acting
// as the dependency injection container for the serve command.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pixelproof/adcapture/internal/api"
	gcsstore "github.com/pixelproof/adcapture/internal/artifact/gcs"
	localstore "github.com/pixelproof/adcapture/internal/artifact/local"
	artifactmem "github.com/pixelproof/adcapture/internal/artifact/memory"
	"github.com/pixelproof/adcapture/internal/bridge"
	"github.com/pixelproof/adcapture/internal/browser"
	"github.com/pixelproof/adcapture/internal/capture"
	"github.com/pixelproof/adcapture/internal/clock/system"
	"github.com/pixelproof/adcapture/internal/config"
	"github.com/pixelproof/adcapture/internal/hash/sha256"
	"github.com/pixelproof/adcapture/internal/id/uuid"
	"github.com/pixelproof/adcapture/internal/logging"
	"github.com/pixelproof/adcapture/internal/pipeline"
	"github.com/pixelproof/adcapture/internal/probe"
	publishermem "github.com/pixelproof/adcapture/internal/publisher/memory"
	pubsubpub "github.com/pixelproof/adcapture/internal/publisher/pubsub"
	"github.com/pixelproof/adcapture/internal/queue"
	"github.com/pixelproof/adcapture/internal/ratelimit"
	"github.com/pixelproof/adcapture/internal/store/memory"
	"github.com/pixelproof/adcapture/internal/store/postgres"
)

// App holds the shared, long-lived services built from configuration. It is
// initialized once at startup and handed to the serve command.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Pipeline *pipeline.Pipeline
	Server   *api.Server

	sessions capture.SessionManager
	closers  []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// New builds every service the capture pipeline needs, failing fast if any
// provider cannot be initialized. Services already built when an error occurs
// are torn down before returning.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	clk := system.New()
	ids := uuid.New()

	sessions, driver, err := a.buildBrowser(ctx, cfg, clk, ids)
	if err != nil {
		return err
	}
	a.sessions = sessions

	var br capture.Bridge = bridge.Noop{}
	var bridgeWS http.HandlerFunc
	if cfg.Bridge.Enabled {
		hub := bridge.NewHub(bridge.Config{
			ResponseWait: time.Duration(cfg.Bridge.ResponseWaitSec) * time.Second,
		}, ids, a.Logger.Named("bridge"))
		a.onClose("bridge", hub.Close)
		br = hub
		bridgeWS = hub.Handler()
	}

	artifacts, err := a.buildArtifactStore(ctx, cfg)
	if err != nil {
		return err
	}
	results, err := a.buildResultStore(ctx, cfg)
	if err != nil {
		return err
	}
	publisher, err := a.buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}

	queues := queue.NewManager(queueConfig(cfg.Queues), clk)

	p, err := pipeline.New(pipelineConfig(cfg), pipeline.Deps{
		Queues:    queues,
		Sessions:  sessions,
		Driver:    driver,
		Bridge:    br,
		Artifacts: artifacts,
		Results:   results,
		Publisher: publisher,
		Prober: probe.New(probe.Config{
			UserAgent: cfg.Probe.UserAgent,
			Timeout:   time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
		}),
		Hasher:  sha256.New(),
		Limiter: ratelimit.New(ratelimit.Config{QPS: cfg.Rate.QPS, Burst: cfg.Rate.Burst}),
		Clock:   clk,
		IDs:     ids,
		Logger:  a.Logger.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	a.Pipeline = p
	a.Server = api.NewServer(p, sessions, bridgeWS, cfg, a.Logger.Named("api"))
	return nil
}

func (a *App) buildBrowser(ctx context.Context, cfg config.Config, clk capture.Clock, ids capture.IDGenerator) (capture.SessionManager, capture.Driver, error) {
	switch cfg.Browser.Provider {
	case "fake":
		a.Logger.Info("using fake browser driver")
		f := browser.NewFake(clk, ids)
		return f, f, nil
	case "chrome":
		m, err := browser.NewManager(browser.Config{
			NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
			SelectorTimeout:   time.Duration(cfg.Browser.SelectorTimeout) * time.Second,
			ScriptTimeout:     time.Duration(cfg.Browser.ScriptTimeoutSec) * time.Second,
			CaptureTimeout:    time.Duration(cfg.Browser.CaptureTimeoutSec) * time.Second,
			MaxSessions:       cfg.Browser.MaxSessions,
			Devices:           deviceProfiles(cfg.Browser),
		}, clk, ids, a.Logger.Named("browser"))
		if err != nil {
			return nil, nil, fmt.Errorf("start browser: %w", err)
		}
		a.onClose("browser", m.Close)
		if mins := cfg.Browser.IdleReapMinutes; mins > 0 {
			m.StartReaper(ctx, time.Minute, time.Duration(mins)*time.Minute)
		}
		return m, m, nil
	default:
		return nil, nil, fmt.Errorf("unknown browser provider: %s", cfg.Browser.Provider)
	}
}

func (a *App) buildArtifactStore(ctx context.Context, cfg config.Config) (capture.ArtifactStore, error) {
	switch cfg.Storage.Provider {
	case "memory":
		a.Logger.Info("using in-memory artifact store; artifacts are not persisted")
		return artifactmem.New(), nil
	case "local":
		a.Logger.Info("using local artifact store", zap.String("dir", cfg.Storage.LocalDir))
		store, err := localstore.New(localstore.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local artifact store: %w", err)
		}
		return store, nil
	case "gcs":
		a.Logger.Info("using GCS artifact store", zap.String("bucket", cfg.Storage.GCSBucket))
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.onClose("gcs client", func(context.Context) error { return client.Close() })
		store, err := gcsstore.New(ctx, client, gcsstore.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs artifact store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

func (a *App) buildResultStore(ctx context.Context, cfg config.Config) (capture.ResultStore, error) {
	switch cfg.DB.Provider {
	case "memory":
		a.Logger.Info("using in-memory result store; results are not persisted")
		return memory.New(), nil
	case "postgres":
		a.Logger.Info("connecting to PostgreSQL")
		store, err := postgres.New(ctx, postgres.Config{
			DSN:          cfg.DB.DSN,
			CaptureTable: cfg.DB.CaptureTable,
			BatchTable:   cfg.DB.BatchTable,
			MaxConns:     int32(cfg.DB.MaxConns),
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		a.onClose("postgres", func(context.Context) error { return store.Close() })
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db provider: %s", cfg.DB.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context, cfg config.Config) (capture.Publisher, error) {
	if !cfg.PubSub.Enabled {
		a.Logger.Info("pub/sub disabled; handoff notifications are recorded in memory")
		return publishermem.New(), nil
	}
	a.Logger.Info("connecting to GCP Pub/Sub", zap.String("project", cfg.PubSub.ProjectID))
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub := pubsubpub.New(client)
	a.onClose("pubsub", func(context.Context) error {
		pub.Close()
		return client.Close()
	})
	return pub, nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Close shuts services down in reverse construction order. The pipeline is
// drained by the caller before Close runs.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.Logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
}

// deviceProfiles merges configured emulation profiles over the built-in
// defaults. Unknown device names create new profiles rather than erroring so
// operators can add device types without a code change.
func deviceProfiles(bc config.BrowserConfig) map[capture.DeviceType]capture.DeviceProfile {
	devices := browser.DefaultDevices()
	for name, profile := range bc.Devices {
		dt := capture.DeviceType(name)
		profile.Type = dt
		if profile.UserAgent == "" {
			profile.UserAgent = devices[dt].UserAgent
		}
		devices[dt] = profile
	}
	return devices
}

func queueConfig(qc config.QueuesConfig) queue.ManagerConfig {
	cfg := queue.DefaultManagerConfig()
	applyPolicy(&cfg.Capture, qc.Capture)
	applyPolicy(&cfg.Upload, qc.Upload)
	applyPolicy(&cfg.Retry, qc.Retry)
	if qc.BatchStaggerMs > 0 {
		cfg.BatchStagger = time.Duration(qc.BatchStaggerMs) * time.Millisecond
	}
	return cfg
}

func applyPolicy(dst *queue.Config, src config.QueuePolicy) {
	if src.Concurrency > 0 {
		dst.Concurrency = src.Concurrency
	}
	if src.MaxAttempts > 0 {
		dst.MaxAttempts = src.MaxAttempts
	}
	if src.BackoffMs > 0 {
		dst.BackoffBase = time.Duration(src.BackoffMs) * time.Millisecond
	}
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	pc := cfg.Pipeline
	return pipeline.Config{
		PreCaptureDelay:    time.Duration(pc.PreCaptureDelayMs) * time.Millisecond,
		RenderPollInterval: time.Duration(pc.RenderPollMs) * time.Millisecond,
		RenderPollTimeout:  time.Duration(pc.RenderPollTimeout) * time.Second,
		BridgeWait:         time.Duration(pc.BridgeWaitSec) * time.Second,
		BatchTimeout:       cfg.BatchDeadline(),
		UseRetryQueue:      pc.UseRetryQueue,
		ProbeEnabled:       pc.ProbeEnabled,
		DrainTimeout:       time.Duration(pc.DrainTimeoutSec) * time.Second,
		UploadTopic:        pc.UploadTopic,
	}
}
