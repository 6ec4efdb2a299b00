package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers every default value on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.path", "parkwatch.db")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.updatebuffer", 16)

	v.SetDefault("detection.mode", "parking")
	v.SetDefault("detection.ffmpeg", "ffmpeg")
	v.SetDefault("detection.parking.fps", 10)
	v.SetDefault("detection.parking.width", 1280)
	v.SetDefault("detection.parking.height", 720)
	v.SetDefault("detection.vehicle.fps", 10)
	v.SetDefault("detection.vehicle.width", 1280)
	v.SetDefault("detection.vehicle.height", 720)

	v.SetDefault("occupancy.threshold", 500)

	v.SetDefault("tracker.strategy", "differencing")
	v.SetDefault("tracker.lineheight", 400)
	v.SetDefault("tracker.offset", 10)
	v.SetDefault("tracker.mincontourwidth", 40)
	v.SetDefault("tracker.mincontourheight", 40)
	v.SetDefault("tracker.skipframes", 2)
	v.SetDefault("tracker.inferenceinterval", 500*time.Millisecond)
	v.SetDefault("tracker.cachettl", 2*time.Second)
	v.SetDefault("tracker.cachesize", 20)
	v.SetDefault("tracker.maxhistory", 30)
	v.SetDefault("tracker.maxage", 30)
	v.SetDefault("tracker.confidence", 0.5)
	// COCO car, motorcycle, bus, truck
	v.SetDefault("tracker.vehicleclasses", []int{2, 3, 5, 7})

	v.SetDefault("detector.backend", "none")
	v.SetDefault("detector.timeout", 5*time.Second)

	v.SetDefault("associator.backend", "iou")
	v.SetDefault("associator.timeout", 5*time.Second)
	v.SetDefault("associator.maxage", 30)
	v.SetDefault("associator.minhits", 3)
	v.SetDefault("associator.iouthreshold", 0.3)

	v.SetDefault("allocation.loadbalanceweight", 0.3)
	v.SetDefault("allocation.preferencebonus", 1.2)
	v.SetDefault("allocation.feedbackbatch", 10)
	v.SetDefault("allocation.maxfeedback", 1000)
	v.SetDefault("allocation.modelkey", "allocation_model")
	v.SetDefault("allocation.rounds", 50)
	v.SetDefault("allocation.learningrate", 0.1)

	v.SetDefault("statistics.interval", time.Hour)
	v.SetDefault("statistics.maxsnapshots", 1000)
}

// Default returns the settings produced by defaults alone.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)
	s := &Settings{}
	// Defaults always decode.
	_ = v.Unmarshal(s)
	return s
}
