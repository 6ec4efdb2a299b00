package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"parkwatch/internal/allocation"
	"parkwatch/internal/api"
	"parkwatch/internal/config"
	"parkwatch/internal/coordinator"
	"parkwatch/internal/database"
	"parkwatch/internal/detection"
	"parkwatch/internal/metrics"
	"parkwatch/internal/occupancy"
	"parkwatch/internal/pipeline"
	"parkwatch/internal/spaces"
	"parkwatch/internal/stream"
	"parkwatch/internal/tracking"
	"parkwatch/internal/ws"
)

const shutdownTimeout = 30 * time.Second

func serveCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run capture, detection, the control API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "HTTP listen address")
	flags.String("mode", "parking", "Detection mode (parking, vehicle, simultaneous)")
	flags.String("parking-source", "", "Parking lot video source (file, rtsp://, http:// or /dev/videoN)")
	flags.String("vehicle-source", "", "Vehicle counting video source")
	flags.String("reference", "", "Calibration image the space positions belong to")

	for key, flag := range map[string]string{
		"server.addr":              "addr",
		"detection.mode":           "mode",
		"detection.parking.device": "parking-source",
		"detection.vehicle.device": "vehicle-source",
		"occupancy.referenceimage": "reference",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("error binding flag %s: %v", flag, err))
		}
	}
	return cmd
}

// loadSpaces resolves the calibration image for the parking source and loads
// its saved positions into registry.
func loadSpaces(ctx context.Context, registry *spaces.Registry, s *config.Settings, log logrus.FieldLogger) {
	ref := s.Occupancy.ReferenceImage
	width, height := s.Occupancy.ReferenceWidth, s.Occupancy.ReferenceHeight
	device := s.Detection.Parking.Device

	if ref == "" && device != "" {
		stored, w, h, found, err := registry.VideoReference(ctx, device)
		if err != nil {
			log.WithError(err).Warn("Failed to read video reference")
		}
		if found {
			ref, width, height = stored, w, h
		}
	}
	if ref == "" {
		log.Warn("No reference image configured, starting with no spaces")
		return
	}

	n, _ := registry.Load(ctx, ref)
	// Configured dimensions win over the ones saved with the positions.
	if width > 0 && height > 0 {
		registry.SetReferenceDimensions(width, height)
	}

	if device != "" {
		w, h := registry.ReferenceDimensions()
		if err := registry.AssociateVideo(ctx, device, ref, w, h); err != nil {
			log.WithError(err).Warn("Failed to remember video reference")
		}
	}
	log.WithFields(logrus.Fields{"reference": ref, "spaces": n}).Info("Spaces ready")
}

// buildTracker constructs the configured tracker and registers its remote
// backends so they are closed on shutdown.
func buildTracker(ctx context.Context, s *config.Settings, backends *detection.Registry, log logrus.FieldLogger) (tracking.MotionTracker, error) {
	detector, err := detection.NewDetector(s.Detector, s.Tracker.Confidence, log)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	var associator detection.ObjectAssociator
	if detector != nil {
		if err := backends.Register(detector); err != nil {
			return nil, err
		}
		if !detector.IsHealthy(ctx) {
			log.WithField("backend", detector.Name()).Warn("Detector backend is not healthy yet")
		}
		associator, err = detection.NewAssociator(s.Associator, log)
		if err != nil {
			return nil, fmt.Errorf("associator: %w", err)
		}
		if err := backends.Register(associator); err != nil {
			return nil, err
		}
	}
	return tracking.New(s.Tracker, detector, associator, log)
}

func initialState(coord *coordinator.Coordinator) func() *ws.StateMessage {
	return func() *ws.StateMessage {
		view, err := coord.Occupancy(context.Background())
		if err != nil {
			return nil
		}
		return ws.NewStateMessage(&coordinator.Update{
			Timestamp:    time.Now(),
			Total:        view.Total,
			Free:         view.Free,
			Occupied:     view.Occupied,
			VehicleCount: view.VehicleCount,
			Records:      view.Records,
		})
	}
}

func (a *app) serve(ctx context.Context) error {
	s := a.settings
	log := a.logger.WithField("component", "serve")

	db, err := a.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	parkingMetrics, err := metrics.NewParkingMetrics(promRegistry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	registry := spaces.NewRegistry(db, a.logger)
	loadSpaces(ctx, registry, s, log)

	engine, err := allocation.NewEngine(ctx, allocation.Options{
		LoadBalanceWeight: s.Allocation.LoadBalanceWeight,
		PreferenceBonus:   s.Allocation.PreferenceBonus,
		FeedbackBatch:     s.Allocation.FeedbackBatch,
		MaxFeedback:       s.Allocation.MaxFeedback,
		ModelKey:          s.Allocation.ModelKey,
		Rounds:            s.Allocation.Rounds,
		LearningRate:      s.Allocation.LearningRate,
	}, db, db, a.logger)
	if err != nil {
		return err
	}

	backends := detection.NewRegistry()
	defer func() {
		if err := backends.Close(); err != nil {
			log.WithError(err).Warn("Failed to close detection backends")
		}
	}()
	tracker, err := buildTracker(ctx, s, backends, a.logger)
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Deps{
		Registry:   registry,
		Classifier: occupancy.NewClassifier(s.Occupancy.Threshold),
		Table:      occupancy.NewTable(),
		Tracker:    tracker,
		Engine:     engine,
		Metrics:    parkingMetrics,
		Snapshots:  db,
	}, coordinator.Options{MaxSnapshots: s.Statistics.MaxSnapshots}, a.logger)
	if err != nil {
		return err
	}
	defer coord.Close()

	provider := pipeline.NewFFmpegFrameProvider(s.Detection.FFmpeg, a.logger)
	live := stream.NewMJPEGStream(a.logger)
	runner := pipeline.NewRunner(s.Detection, provider, coord, a.logger, live)

	hub := ws.NewStateHub(a.logger)
	defer hub.Close()
	updates, unsubscribe := coord.Updates(s.Server.UpdateBuffer)
	defer unsubscribe()

	srv := &http.Server{
		Addr: s.Server.Addr,
		Handler: api.NewRouter(api.Deps{
			Coordinator: coord,
			Frames:      runner,
			FrameStream: live,
			StateSocket: ws.NewHandler(hub, initialState(coord)),
			Gatherer:    promRegistry,
		}, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.Detection.Parking.Device == "" && s.Detection.Vehicle.Device == "" {
		log.Warn("No video sources configured, serving the API only")
	} else {
		g.Go(func() error {
			return runner.Run(gctx)
		})
	}
	g.Go(func() error {
		hub.Pump(gctx, updates)
		return nil
	})
	g.Go(func() error {
		coord.RunStatistics(gctx, s.Statistics.Interval)
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("Exited")
	return err
}

var (
	_ coordinator.SnapshotStore = (*database.Database)(nil)
	_ spaces.Catalog            = (*database.Database)(nil)
)
