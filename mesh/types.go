package mesh

import "math"

// CellState is the tri-state occupancy of a grid cell. The values match the
// occupancy grid wire format so decoded data can be used directly.
type CellState int8

const (
	CellUnknown  CellState = -1
	CellFree     CellState = 0
	CellOccupied CellState = 100
)

// CellStateFromValue normalizes a raw occupancy value: negative is unknown,
// zero is free and any positive probability counts as occupied.
func CellStateFromValue(v int) CellState {
	switch {
	case v < 0:
		return CellUnknown
	case v == 0:
		return CellFree
	default:
		return CellOccupied
	}
}

func (s CellState) String() string {
	switch s {
	case CellFree:
		return "free"
	case CellOccupied:
		return "occupied"
	default:
		return "unknown"
	}
}

// Point represents a 2D coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Cell is a (row, col) grid index. Row follows the world Y axis.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Pose2D is a planar pose: position plus heading in radians.
type Pose2D struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// Matrix returns the rigid transform that places a frame at this pose.
func (p Pose2D) Matrix() AffineMatrix {
	return MultiplyMatrices(Translation(p.X, p.Y), Rotation(p.Yaw))
}

// Position returns the translation part of the pose.
func (p Pose2D) Position() Point {
	return Point{X: p.X, Y: p.Y}
}

// PoseFromMatrix extracts translation and rotation from a rigid transform.
func PoseFromMatrix(m AffineMatrix) Pose2D {
	return Pose2D{X: m.Tx, Y: m.Ty, Yaw: math.Atan2(m.C, m.A)}
}

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// MessageHeader carries the frame and stamp of every wire message.
// Stamp is seconds since the epoch (or since simulation start).
type MessageHeader struct {
	FrameID string  `json:"frameId"`
	Stamp   float64 `json:"stamp"`
}

// GridInfo describes the geometry of a GridMessage.
type GridInfo struct {
	Resolution float64 `json:"resolution"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Origin     Point   `json:"origin"`
}

// GridMessage is the wire representation of an occupancy grid. Data is
// row-major with -1 unknown, 0 free and 1..100 occupied.
type GridMessage struct {
	Header MessageHeader `json:"header"`
	Info   GridInfo      `json:"info"`
	Data   []int8        `json:"data"`
}

// PoseMessage reports a robot pose in its own map frame.
type PoseMessage struct {
	Header MessageHeader `json:"header"`
	Pose   Pose2D        `json:"pose"`
}

// ClockMessage carries simulated time in seconds.
type ClockMessage struct {
	Clock float64 `json:"clock"`
}

// Goal is the next exploration target for one agent. Position is expressed
// in Frame (the global frame); LocalPosition in the agent's map frame.
type Goal struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agentId"`
	Header        MessageHeader `json:"header"`
	Position      Point         `json:"position"`
	Orientation   float64       `json:"orientation"`
	LocalFrame    string        `json:"localFrame"`
	LocalPosition Point         `json:"localPosition"`
	Cell          Cell          `json:"cell"`
	Distance      float64       `json:"distance"`
}

// FrameTransform places ChildFrame relative to Header.FrameID.
type FrameTransform struct {
	Header     MessageHeader `json:"header"`
	ChildFrame string        `json:"childFrame"`
	Transform  Pose2D        `json:"transform"`
}

// MarkerColor is an RGBA colour with components in [0, 1].
type MarkerColor struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

// FrontierMarkers is a point-list visualisation of one frontier category.
type FrontierMarkers struct {
	Header    MessageHeader `json:"header"`
	Namespace string        `json:"ns"`
	Color     MarkerColor   `json:"color"`
	Scale     float64       `json:"scale"`
	Lifetime  float64       `json:"lifetime"`
	Points    []Point       `json:"points"`
}

// AgentConfig defines one exploring robot from the config file
type AgentConfig struct {
	ID        string  `yaml:"id" json:"id"`
	MapTopic  string  `yaml:"mapTopic" json:"mapTopic"`
	PoseTopic string  `yaml:"poseTopic" json:"poseTopic"`
	Color     string  `yaml:"color,omitempty" json:"color,omitempty"`
	MapURL    *string `yaml:"mapUrl,omitempty" json:"mapUrl,omitempty"` // Optional map server for an initial snapshot
}

// ExplorationConfig holds goal-selection settings
type ExplorationConfig struct {
	IntervalSec         float64 `yaml:"intervalSec" json:"intervalSec"`                 // default 2.0
	MinUnknownCells     int     `yaml:"minUnknownCells" json:"minUnknownCells"`         // default 15
	TransformTimeoutSec float64 `yaml:"transformTimeoutSec" json:"transformTimeoutSec"` // default 0.5
}

// FusionConfig holds map-merge settings
type FusionConfig struct {
	ConfidenceThreshold float64 `yaml:"confidenceThreshold" json:"confidenceThreshold"` // default 65
	TFPublishFrequency  float64 `yaml:"tfPublishFrequency" json:"tfPublishFrequency"`   // Hz, default 20
	MapPublishFrequency float64 `yaml:"mapPublishFrequency" json:"mapPublishFrequency"` // Hz, default 1
	MaxFeatures         int     `yaml:"maxFeatures,omitempty" json:"maxFeatures,omitempty"`
	MatchDistance       int     `yaml:"matchDistance,omitempty" json:"matchDistance,omitempty"`
	FallbackGap         float64 `yaml:"fallbackGap,omitempty" json:"fallbackGap,omitempty"` // world units between stacked maps
}

// Config represents the full configuration file
type Config struct {
	MQTT           MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	Agents         []AgentConfig     `yaml:"agents" json:"agents"`
	GlobalFrame    string            `yaml:"globalFrame,omitempty" json:"globalFrame,omitempty"`
	GlobalMapTopic string            `yaml:"globalMapTopic,omitempty" json:"globalMapTopic,omitempty"`
	ClockTopic     string            `yaml:"clockTopic,omitempty" json:"clockTopic,omitempty"`
	UseSimTime     bool              `yaml:"useSimTime" json:"useSimTime"`
	Visualize      bool              `yaml:"visualize" json:"visualize"`
	StateCachePath string            `yaml:"stateCachePath,omitempty" json:"stateCachePath,omitempty"`
	Exploration    ExplorationConfig `yaml:"exploration" json:"exploration"`
	Fusion         FusionConfig      `yaml:"fusion" json:"fusion"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetAgentByID returns the agent config for the given ID
func (c *Config) GetAgentByID(id string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// AgentIDs returns the configured agent IDs in config order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		ids[i] = a.ID
	}
	return ids
}

// MapFrame names an agent's map frame.
func MapFrame(agentID string) string {
	return agentID + "/map"
}

// BaseFrame names an agent's body frame.
func BaseFrame(agentID string) string {
	return agentID + "/base_link"
}
