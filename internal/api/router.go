// Package api exposes the coordinator over HTTP with gin.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"parkwatch/internal/coordinator"
	"parkwatch/internal/logging"
)

// FrameSource returns the latest annotated frame as JPEG, nil when none is
// available yet.
type FrameSource interface {
	LatestFrame() []byte
}

// Deps are the collaborators served by the router. Only Coordinator is
// required.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Frames      FrameSource
	FrameStream http.Handler
	StateSocket http.Handler
	Gatherer    prometheus.Gatherer
}

// Server holds the HTTP handlers.
type Server struct {
	coord  *coordinator.Coordinator
	frames FrameSource
	log    logrus.FieldLogger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps, logger logrus.FieldLogger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	log := logging.Component(logger, "api")

	s := &Server{
		coord:  deps.Coordinator,
		frames: deps.Frames,
		log:    log,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log), cors())

	r.GET("/health", s.health)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.StateSocket != nil {
		r.GET("/ws/state", gin.WrapH(deps.StateSocket))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/occupancy", s.getOccupancy)
		v1.PUT("/occupancy/threshold", s.setThreshold)

		v1.POST("/allocate", s.allocate)
		v1.POST("/allocate/group", s.allocateGroup)
		v1.POST("/feedback", s.feedback)

		spaceRoutes := v1.Group("/spaces/:id")
		{
			spaceRoutes.POST("/assign", s.assign)
			spaceRoutes.POST("/release", s.release)
		}

		v1.GET("/statistics", s.statistics)
		v1.GET("/statistics/export", s.exportStatistics)
		v1.POST("/statistics/snapshot", s.snapshot)

		v1.POST("/vehicles/reset", s.resetVehicles)
		v1.GET("/frame.jpg", s.frame)
		if deps.FrameStream != nil {
			v1.GET("/stream.mjpg", gin.WrapH(deps.FrameStream))
		}
	}

	return r
}
