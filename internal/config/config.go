// Package config loads parkwatch settings from a YAML file, environment
// variables and command line flags through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. PARKWATCH_OCCUPANCY_THRESHOLD.
const EnvPrefix = "PARKWATCH"

// Settings is the full runtime configuration.
type Settings struct {
	Log        LogSettings        `mapstructure:"log"`
	Database   DatabaseSettings   `mapstructure:"database"`
	Server     ServerSettings     `mapstructure:"server"`
	Detection  DetectionSettings  `mapstructure:"detection"`
	Occupancy  OccupancySettings  `mapstructure:"occupancy"`
	Tracker    TrackerSettings    `mapstructure:"tracker"`
	Detector   BackendSettings    `mapstructure:"detector"`
	Associator AssociatorSettings `mapstructure:"associator"`
	Allocation AllocationSettings `mapstructure:"allocation"`
	Statistics StatisticsSettings `mapstructure:"statistics"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type DatabaseSettings struct {
	Path string `mapstructure:"path"`
}

type ServerSettings struct {
	Addr         string `mapstructure:"addr"`
	UpdateBuffer int    `mapstructure:"updatebuffer"`
}

// DetectionSettings selects what the frame loop runs and on which sources.
type DetectionSettings struct {
	Mode    string         `mapstructure:"mode"` // parking, vehicle or simultaneous
	FFmpeg  string         `mapstructure:"ffmpeg"`
	Parking SourceSettings `mapstructure:"parking"`
	Vehicle SourceSettings `mapstructure:"vehicle"`
}

type SourceSettings struct {
	Device string `mapstructure:"device"`
	FPS    int    `mapstructure:"fps"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
}

type OccupancySettings struct {
	Threshold       int    `mapstructure:"threshold"`
	ReferenceImage  string `mapstructure:"referenceimage"`
	ReferenceWidth  int    `mapstructure:"referencewidth"`
	ReferenceHeight int    `mapstructure:"referenceheight"`
}

type TrackerSettings struct {
	Strategy          string        `mapstructure:"strategy"` // differencing or detector
	LineHeight        int           `mapstructure:"lineheight"`
	Offset            int           `mapstructure:"offset"`
	MinContourWidth   int           `mapstructure:"mincontourwidth"`
	MinContourHeight  int           `mapstructure:"mincontourheight"`
	SkipFrames        int           `mapstructure:"skipframes"`
	InferenceInterval time.Duration `mapstructure:"inferenceinterval"`
	CacheTTL          time.Duration `mapstructure:"cachettl"`
	CacheSize         int           `mapstructure:"cachesize"`
	MaxHistory        int           `mapstructure:"maxhistory"`
	MaxAge            int           `mapstructure:"maxage"`
	Confidence        float64       `mapstructure:"confidence"`
	VehicleClasses    []int         `mapstructure:"vehicleclasses"`
}

// BackendSettings configures a remote capability backend.
type BackendSettings struct {
	Backend  string        `mapstructure:"backend"` // none, http or grpc
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type AssociatorSettings struct {
	Backend      string        `mapstructure:"backend"` // iou or grpc
	Endpoint     string        `mapstructure:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAge       int           `mapstructure:"maxage"`
	MinHits      int           `mapstructure:"minhits"`
	IoUThreshold float64       `mapstructure:"iouthreshold"`
}

type AllocationSettings struct {
	LoadBalanceWeight float64 `mapstructure:"loadbalanceweight"`
	PreferenceBonus   float64 `mapstructure:"preferencebonus"`
	FeedbackBatch     int     `mapstructure:"feedbackbatch"`
	MaxFeedback       int     `mapstructure:"maxfeedback"`
	ModelKey          string  `mapstructure:"modelkey"`
	Rounds            int     `mapstructure:"rounds"`
	LearningRate      float64 `mapstructure:"learningrate"`
}

type StatisticsSettings struct {
	Interval     time.Duration `mapstructure:"interval"`
	MaxSnapshots int           `mapstructure:"maxsnapshots"`
}

// Load reads settings from path (optional) and the environment. An empty path
// searches for parkwatch.yaml in the working directory and /etc/parkwatch.
func Load(path string) (*Settings, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller supplied viper instance, so flags bound to it
// take precedence over file values.
func LoadWith(v *viper.Viper, path string) (*Settings, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("parkwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/parkwatch")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := Validate(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func Validate(s *Settings) error {
	switch s.Detection.Mode {
	case "parking", "vehicle", "simultaneous":
	default:
		return fmt.Errorf("unknown detection mode %q", s.Detection.Mode)
	}
	switch s.Tracker.Strategy {
	case "differencing", "detector":
	default:
		return fmt.Errorf("unknown tracker strategy %q", s.Tracker.Strategy)
	}
	if s.Tracker.Strategy == "detector" && s.Detector.Backend == "none" {
		return errors.New("tracker strategy detector requires a detector backend")
	}
	if s.Occupancy.Threshold <= 0 {
		return fmt.Errorf("occupancy threshold must be positive, got %d", s.Occupancy.Threshold)
	}
	if w := s.Allocation.LoadBalanceWeight; w < 0 || w > 1 {
		return fmt.Errorf("load balance weight must be in [0,1], got %v", w)
	}
	if s.Allocation.FeedbackBatch <= 0 {
		return fmt.Errorf("feedback batch must be positive, got %d", s.Allocation.FeedbackBatch)
	}
	return nil
}
