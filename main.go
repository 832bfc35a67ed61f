package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-prediction-demo/assets"
	"github.com/Tutortoise/face-prediction-demo/config"
	"github.com/Tutortoise/face-prediction-demo/detections"
	"github.com/Tutortoise/face-prediction-demo/engine"
	"github.com/Tutortoise/face-prediction-demo/logging"
	"github.com/Tutortoise/face-prediction-demo/metrics"
	"github.com/Tutortoise/face-prediction-demo/models"
	"github.com/Tutortoise/face-prediction-demo/predictor"
)

var (
	debugMode bool
)

func logTimings(logger logrus.FieldLogger, t *models.ProcessingTimings) {
	if debugMode {
		logger.WithFields(logrus.Fields{
			"request_id": t.RequestID,
			"decode":     t.ImageDecode,
			"detect":     t.Detect,
			"predict":    t.Predict,
			"render":     t.Render,
			"total":      t.Total,
		}).Debug("processing times")
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	debugMode = cfg.Debug

	level := cfg.LogLevel
	if debugMode {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	env := engine.NewEnvironment(cfg.ORTLibraryPath)
	if err := env.Start(); err != nil {
		logger.WithError(err).Fatal("failed to initialize ONNX runtime")
	}
	defer env.Close()

	detectorCfg := detections.Config{
		InputName:     cfg.DetectorInputName,
		OutputName:    cfg.DetectorOutputName,
		InputSize:     cfg.DetectorInputSize,
		ConfThreshold: float32(cfg.ConfThreshold),
		Normalized:    cfg.DetectorNormalized,
	}
	detectorRunner, err := loadDetector(ctx, cfg, env, detectorCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to load face detector")
	}
	defer detectorRunner.Close()
	registerPoolGauges(m, "detector", detectorRunner.Stats)
	pools := map[string]func() engine.PoolStats{"detector": detectorRunner.Stats}

	locator := detections.NewLocator(detectorRunner, detectorCfg, logger)

	mode, err := predictor.ParseOutputMode(cfg.OutputMode)
	if err != nil {
		logger.WithError(err).Fatal("invalid predictor output mode")
	}
	predictorCfg := predictor.Config{
		InputName:   cfg.PredictorInputName,
		OutputName:  cfg.PredictorOutputName,
		InputWidth:  cfg.PredictorInputWidth,
		InputHeight: cfg.PredictorInputHeight,
		Mode:        mode,
	}

	var predictorRunner atomic.Pointer[engine.Runner]
	predictorStats := func() engine.PoolStats {
		if r := predictorRunner.Load(); r != nil {
			return r.Stats()
		}
		return engine.PoolStats{}
	}
	registerPoolGauges(m, "predictor", predictorStats)
	pools["predictor"] = predictorStats

	session := predictor.NewSession(
		newPredictorLoader(cfg, env, predictorCfg, &predictorRunner, logger),
		predictorCfg,
		logger,
	)
	if err := session.Load(ctx); err != nil {
		// served requests retry the load and report the failure to the user
		logger.WithError(err).Error("predictor unavailable at startup")
	}
	defer session.Reset()

	state := &AppState{
		Config:    cfg,
		Locator:   locator,
		Predictor: session,
		Pools:     pools,
		Metrics:   m,
		Log:       logger,
	}

	r := mux.NewRouter()
	if err := state.addRoutes(r); err != nil {
		logger.WithError(err).Fatal("failed to set up routes")
	}

	srv := &http.Server{
		Handler:      r,
		Addr:         cfg.Addr,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	}

	go func() {
		logger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
	state.closeSessions()
}

func loadDetector(ctx context.Context, cfg *config.Config, env *engine.Environment, detectorCfg detections.Config, logger logrus.FieldLogger) (*engine.Runner, error) {
	fetcher := &assets.Fetcher{
		Locations: cfg.DetectorModelLocations,
		Attempts:  cfg.FetchAttempts,
		Backoff:   cfg.FetchBackoff,
		Log:       logger.WithField("model", "detector"),
	}
	data, err := fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	return engine.NewRunner(env, data, engine.Spec{
		InputName:   detectorCfg.InputName,
		InputShape:  detections.InputShape(detectorCfg),
		OutputName:  detectorCfg.OutputName,
		OutputShape: detections.OutputShape(detectorCfg),
		Threads:     cfg.Threads,
	}, 1)
}

func newPredictorLoader(cfg *config.Config, env *engine.Environment, predictorCfg predictor.Config, current *atomic.Pointer[engine.Runner], logger logrus.FieldLogger) predictor.Loader {
	fetcher := &assets.Fetcher{
		Locations: cfg.PredictorModelLocations,
		Attempts:  cfg.FetchAttempts,
		Backoff:   cfg.FetchBackoff,
		Log:       logger.WithField("model", "predictor"),
	}

	return func(ctx context.Context) (models.Runner, error) {
		data, err := fetcher.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := env.Start(); err != nil {
			return nil, err
		}

		runner, err := engine.NewRunner(env, data, engine.Spec{
			InputName:   predictorCfg.InputName,
			InputShape:  predictorCfg.InputShape(),
			OutputName:  predictorCfg.OutputName,
			OutputShape: []int64{1, int64(cfg.PredictorOutputSize)},
			Threads:     cfg.Threads,
		}, cfg.PoolSize)
		if err != nil {
			return nil, err
		}
		current.Store(runner)
		return runner, nil
	}
}

func registerPoolGauges(m *metrics.Metrics, model string, stats func() engine.PoolStats) {
	m.RegisterGaugeFunc("facepredict_"+model+"_sessions_live", "Sessions of the "+model+" pool that exist, idle or in use",
		func() float64 { return float64(stats().Live) })
	m.RegisterGaugeFunc("facepredict_"+model+"_sessions_in_use", "Sessions of the "+model+" pool in use",
		func() float64 { return float64(stats().InUse) })
	m.RegisterGaugeFunc("facepredict_"+model+"_sessions_acquired_total", "Sessions of the "+model+" pool acquired",
		func() float64 { return float64(stats().TotalAcquired) })
	m.RegisterGaugeFunc("facepredict_"+model+"_acquire_failures_total", "Timed out acquisitions from the "+model+" pool",
		func() float64 { return float64(stats().AcquireFailures) })
	m.RegisterGaugeFunc("facepredict_"+model+"_sessions_discarded_total", "Failed sessions of the "+model+" pool replaced",
		func() float64 { return float64(stats().Discarded) })
	m.RegisterGaugeFunc("facepredict_"+model+"_replenish_failures_total", "Failed attempts to rebuild a discarded "+model+" session",
		func() float64 { return float64(stats().ReplenishFailures) })
}
