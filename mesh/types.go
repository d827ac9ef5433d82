package mesh

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidScene is returned for scenes whose cells carry an unknown state
// or a confidence outside [0, 1].
var ErrInvalidScene = errors.New("invalid scene")

// OccupancyState is the classification of a grid cell.
type OccupancyState int

const (
	Unknown OccupancyState = iota
	Free
	Occupied
)

// OccupancyStates lists every state in matrix column order.
var OccupancyStates = []OccupancyState{Free, Occupied, Unknown}

// String implements fmt.Stringer
func (s OccupancyState) String() string {
	switch s {
	case Free:
		return "FREE"
	case Occupied:
		return "OCCUPIED"
	default:
		return "UNKNOWN"
	}
}

// Confidence pairs a value with a confidence in [0, 1].
type Confidence[T any] struct {
	Value      T       `json:"value" cbor:"1,keyasint"`
	Confidence float64 `json:"confidence" cbor:"2,keyasint"`
}

// Actor describes a traffic participant, either the vehicle that measured a
// scene or the occupant of a cell.
type Actor struct {
	ID      string  `json:"id" cbor:"1,keyasint"`
	Type    string  `json:"type,omitempty" cbor:"2,keyasint,omitempty"`
	Lat     float64 `json:"lat" cbor:"3,keyasint"`
	Lon     float64 `json:"lon" cbor:"4,keyasint"`
	Alt     float64 `json:"alt,omitempty" cbor:"5,keyasint,omitempty"`
	Heading float64 `json:"heading,omitempty" cbor:"6,keyasint,omitempty"`
	Length  float64 `json:"length,omitempty" cbor:"7,keyasint,omitempty"`
	Width   float64 `json:"width,omitempty" cbor:"8,keyasint,omitempty"`
}

// SceneCell is one occupancy cell on the wire, keyed by its quadint.
type SceneCell struct {
	Hash     uint64                     `json:"hash" cbor:"1,keyasint"`
	State    Confidence[OccupancyState] `json:"state" cbor:"2,keyasint"`
	Occupant *Confidence[*Actor]        `json:"occupant,omitempty" cbor:"3,keyasint,omitempty"`
}

// Scene is a timestamped occupancy snapshot exchanged between nodes.
// Fused scenes carry the age range of the observations they were built from.
type Scene struct {
	Timestamp     time.Time   `json:"timestamp" cbor:"1,keyasint"`
	MinTimestamp  *time.Time  `json:"minTimestamp,omitempty" cbor:"2,keyasint,omitempty"`
	MaxTimestamp  *time.Time  `json:"maxTimestamp,omitempty" cbor:"3,keyasint,omitempty"`
	LastTimestamp *time.Time  `json:"lastTimestamp,omitempty" cbor:"4,keyasint,omitempty"`
	MeasuredBy    *Actor      `json:"measuredBy,omitempty" cbor:"5,keyasint,omitempty"`
	Cells         []SceneCell `json:"cells" cbor:"6,keyasint"`
}

// Cell returns the cell with the given quadint hash.
func (s *Scene) Cell(hash uint64) (SceneCell, bool) {
	for _, c := range s.Cells {
		if c.Hash == hash {
			return c, true
		}
	}
	return SceneCell{}, false
}

// Validate checks every cell state and confidence.
func (s *Scene) Validate() error {
	for i, c := range s.Cells {
		switch c.State.Value {
		case Unknown, Free, Occupied:
		default:
			return fmt.Errorf("%w: cell %d has state %d", ErrInvalidScene, i, c.State.Value)
		}
		if !validConfidence(c.State.Confidence) {
			return fmt.Errorf("%w: cell %d has confidence %v", ErrInvalidScene, i, c.State.Confidence)
		}
		if c.Occupant != nil && !validConfidence(c.Occupant.Confidence) {
			return fmt.Errorf("%w: cell %d has occupant confidence %v", ErrInvalidScene, i, c.Occupant.Confidence)
		}
	}
	return nil
}

func validConfidence(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// GeoFix is a position report from the positioning sensor.
type GeoFix struct {
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Alt       float64   `json:"alt"`
	Heading   float64   `json:"heading"`
}

// PointCloud is a lidar sweep in the local world frame.
type PointCloud struct {
	Timestamp time.Time    `json:"timestamp" cbor:"1,keyasint"`
	Points    [][3]float64 `json:"points" cbor:"2,keyasint"`
}

// Config represents the full configuration file
type Config struct {
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	Node         NodeConfig         `yaml:"node" json:"node"`
	Tiles        TilesConfig        `yaml:"tiles" json:"tiles"`
	Grid         GridConfig         `yaml:"grid" json:"grid"`
	Fusion       FusionConfig       `yaml:"fusion" json:"fusion"`
	Subscription SubscriptionConfig `yaml:"subscription" json:"subscription"`
	Sensors      SensorsConfig      `yaml:"sensors" json:"sensors"`
	Vehicle      VehicleConfig      `yaml:"vehicle" json:"vehicle"`
	Projection   ProjectionConfig   `yaml:"projection" json:"projection"`
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"clientId" json:"clientId"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"password,omitempty"`
	RawPrefix   string `yaml:"rawPrefix" json:"rawPrefix"`     // edge ingestion topics
	FusedPrefix string `yaml:"fusedPrefix" json:"fusedPrefix"` // sector fan-out topics
	QoS         byte   `yaml:"qos" json:"qos"`
}

// NodeConfig identifies this process in the mesh.
type NodeConfig struct {
	ID    string `yaml:"id" json:"id"`
	Codec string `yaml:"codec" json:"codec"` // "cbor" or "json"
	Tile  string `yaml:"tile,omitempty" json:"tile,omitempty"` // edge mode: owned tile at the edge level
}

// TilesConfig holds the quadkey levels of the overlay.
type TilesConfig struct {
	OccupancyLevel int `yaml:"occupancyLevel" json:"occupancyLevel"`
	RemoteLevel    int `yaml:"remoteLevel" json:"remoteLevel"` // sector and distribution level
	EdgeLevel      int `yaml:"edgeLevel" json:"edgeLevel"`
}

// GridConfig configures the occupancy grid engine.
type GridConfig struct {
	Radius           int     `yaml:"radius" json:"radius"`
	Incremental      *bool   `yaml:"incremental,omitempty" json:"incremental,omitempty"`
	CacheSize        int     `yaml:"cacheSize" json:"cacheSize"`
	CellHeight       float64 `yaml:"cellHeight" json:"cellHeight"`
	CellOffset       float64 `yaml:"cellOffset" json:"cellOffset"`
	Workers          int     `yaml:"workers" json:"workers"`
	Window           int     `yaml:"window" json:"window"`
	ConfidenceOffset float64 `yaml:"confidenceOffset" json:"confidenceOffset"`
}

// IncrementalEnabled reports whether incremental recompute is on (default true).
func (g GridConfig) IncrementalEnabled() bool {
	return g.Incremental == nil || *g.Incremental
}

// FusionConfig configures the fusion service.
type FusionConfig struct {
	Lambda       float64       `yaml:"lambda" json:"lambda"`
	HistoryDepth int           `yaml:"historyDepth" json:"historyDepth"`
	Interval     time.Duration `yaml:"interval" json:"interval"`
	MaxAge       time.Duration `yaml:"maxAge" json:"maxAge"`
}

// SubscriptionConfig configures edge node discovery and callback pacing.
type SubscriptionConfig struct {
	Edges          map[string]string `yaml:"edges,omitempty" json:"edges,omitempty"` // edge tile -> host:port
	HostTemplate   string            `yaml:"hostTemplate" json:"hostTemplate"`       // "{tile}" is replaced with the edge tile
	Port           int               `yaml:"port" json:"port"`
	ConnectTimeout time.Duration     `yaml:"connectTimeout" json:"connectTimeout"`
	RateLimit      time.Duration     `yaml:"rateLimit" json:"rateLimit"`
}

// SensorsConfig locates the local sensor bindings.
type SensorsConfig struct {
	Broker string `yaml:"broker,omitempty" json:"broker,omitempty"` // defaults to mqtt.broker
	Prefix string `yaml:"prefix" json:"prefix"`
}

// VehicleConfig describes the ego vehicle.
type VehicleConfig struct {
	Type         string  `yaml:"type" json:"type"`
	Length       float64 `yaml:"length" json:"length"`
	Width        float64 `yaml:"width" json:"width"`
	SensorHeight float64 `yaml:"sensorHeight" json:"sensorHeight"` // lidar mount height in the world frame
}

// ProjectionConfig sets the origin of the local world frame.
type ProjectionConfig struct {
	OriginLat float64 `yaml:"originLat" json:"originLat"`
	OriginLon float64 `yaml:"originLon" json:"originLon"`
	FlipY     bool    `yaml:"flipY,omitempty" json:"flipY,omitempty"`
}

// HTTPConfig configures the status endpoints.
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}
