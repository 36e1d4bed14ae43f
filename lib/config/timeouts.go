package config

import "time"

// TimeoutConfig holds the timeouts of the placement server.
type TimeoutConfig struct {
	// PlacementWait bounds how long a client waits for a placement outcome.
	// The scheduler itself never times a placement out.
	PlacementWait Duration `toml:"placement-wait" json:"placement-wait"`
	// ShutdownGrace bounds how long the server waits for its loops to drain.
	ShutdownGrace Duration `toml:"shutdown-grace" json:"shutdown-grace"`
}

var defaultTimeoutConfig = TimeoutConfig{
	PlacementWait: NewDuration(time.Second * 10),
	ShutdownGrace: NewDuration(time.Second * 5),
}.Adjust()

// Adjust validates the TimeoutConfig and adjusts it
func (config TimeoutConfig) Adjust() TimeoutConfig {
	var tc TimeoutConfig = config
	if tc.PlacementWait.Duration <= 0 {
		tc.PlacementWait = NewDuration(time.Second * 10)
	}
	// the grace period never needs to exceed the placement wait
	if tc.ShutdownGrace.Duration <= 0 || tc.ShutdownGrace.Duration > tc.PlacementWait.Duration {
		tc.ShutdownGrace = tc.PlacementWait
	}
	return tc
}

func DefaultTimeoutConfig() TimeoutConfig {
	return defaultTimeoutConfig
}
