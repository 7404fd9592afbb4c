package entities

import "time"

// Resource names a limited resource.
type Resource string

const (
	ResourceMemory      Resource = "memory"
	ResourceFuel        Resource = "fuel"
	ResourceWallClock   Resource = "wall_clock"
	ResourceHandles     Resource = "handles"
	ResourceConnections Resource = "connections"
)

// ResourceLimits are the per-instance ceilings. A zero value leaves the
// resource unbounded. Limits are fixed for the lifetime of an instance.
type ResourceLimits struct {
	MaxMemoryBytes uint64        `json:"max_memory_bytes,omitempty" yaml:"max_memory_bytes,omitempty"`
	MaxFuel        uint64        `json:"max_fuel,omitempty" yaml:"max_fuel,omitempty"`
	MaxWallClock   time.Duration `json:"max_wall_clock,omitempty" yaml:"max_wall_clock,omitempty" jsonschema:"minimum=0"`
	MaxHandles     int           `json:"max_handles,omitempty" yaml:"max_handles,omitempty" jsonschema:"minimum=0"`
	MaxConnections int           `json:"max_connections,omitempty" yaml:"max_connections,omitempty" jsonschema:"minimum=0"`
}

// UsageSnapshot is a point-in-time view of an instance's consumption.
type UsageSnapshot struct {
	Taken         time.Time     `json:"taken"`
	State         State         `json:"state"`
	MemoryBytes   uint64        `json:"memory_bytes"`
	FuelConsumed  uint64        `json:"fuel_consumed"`
	FuelRemaining uint64        `json:"fuel_remaining"`
	WallClock     time.Duration `json:"wall_clock"`
	Calls         uint64        `json:"calls"`
	Handles       int           `json:"handles"`
	Connections   int           `json:"connections"`
}
