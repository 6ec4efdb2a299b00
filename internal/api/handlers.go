package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"parkwatch/internal/allocation"
	"parkwatch/internal/coordinator"
	"parkwatch/internal/occupancy"
)

type allocateRequest struct {
	VehicleSize      float64 `json:"vehicle_size"`
	PreferredSection string  `json:"preferred_section"`
	Assign           bool    `json:"assign"`
}

type allocateGroupRequest struct {
	VehicleSize int `json:"vehicle_size" binding:"required,min=1"`
}

type feedbackRequest struct {
	SpaceID     string  `json:"space_id" binding:"required"`
	VehicleSize float64 `json:"vehicle_size"`
	Successful  bool    `json:"successful"`
}

type thresholdRequest struct {
	Threshold int `json:"threshold" binding:"required,min=1"`
}

func errorJSON(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps command errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrInvalidCommand),
		errors.Is(err, coordinator.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, occupancy.ErrUnknownSpace),
		errors.Is(err, allocation.ErrNoHistory):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNoSpace),
		errors.Is(err, occupancy.ErrSpaceOccupied),
		errors.Is(err, occupancy.ErrSpaceFree):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrEngine):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	errorJSON(c, statusFor(err), err)
}

func (s *Server) health(c *gin.Context) {
	view, err := s.coord.Occupancy(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"spaces":      view.Total,
		"free":        view.Free,
		"subscribers": s.coord.Subscribers(),
	})
}

func (s *Server) getOccupancy(c *gin.Context) {
	view, err := s.coord.Occupancy(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) setThreshold(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	s.coord.SetThreshold(req.Threshold)
	c.JSON(http.StatusOK, gin.H{"threshold": s.coord.Threshold()})
}

func (s *Server) allocate(c *gin.Context) {
	var req allocateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
	}
	result, err := s.coord.AllocateSpace(c.Request.Context(), coordinator.Allocate{
		VehicleSize:      req.VehicleSize,
		PreferredSection: req.PreferredSection,
		Assign:           req.Assign,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) allocateGroup(c *gin.Context) {
	var req allocateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	result, err := s.coord.AllocateGroupSpace(c.Request.Context(), req.VehicleSize)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) feedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	result, err := s.coord.Feedback(c.Request.Context(), coordinator.RecordFeedback{
		SpaceID:     req.SpaceID,
		VehicleSize: req.VehicleSize,
		Successful:  req.Successful,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) assign(c *gin.Context) {
	result, err := s.coord.Assign(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) release(c *gin.Context) {
	result, err := s.coord.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) statistics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"snapshots": s.coord.Statistics()})
}

func (s *Server) snapshot(c *gin.Context) {
	snap, err := s.coord.TakeSnapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) exportStatistics(c *gin.Context) {
	name := "parking_statistics_" + time.Now().Format("20060102_150405") + ".csv"
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Status(http.StatusOK)
	if err := s.coord.ExportStatisticsCSV(c.Writer); err != nil {
		s.log.WithError(err).Warn("statistics export failed")
		_ = c.Error(err)
	}
}

func (s *Server) resetVehicles(c *gin.Context) {
	s.coord.ResetVehicleCount()
	c.JSON(http.StatusOK, gin.H{"vehicle_count": s.coord.VehicleCount()})
}

func (s *Server) frame(c *gin.Context) {
	var data []byte
	if s.frames != nil {
		data = s.frames.LatestFrame()
	}
	if data == nil {
		errorJSON(c, http.StatusServiceUnavailable, errors.New("no frame processed yet"))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}
