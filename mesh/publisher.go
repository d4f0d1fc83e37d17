package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("MQTT client not connected")

// Publisher writes the service outputs to MQTT under a common prefix:
//
//	<prefix>/<agent>/goal_pose         latest goal per agent (retained)
//	<prefix>/frontier_markers/<ns>    frontier visualisation
//	<prefix>/map                      merged occupancy grid (retained)
//	<prefix>/tf                       agent map placements in the global frame
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	goals         map[string]Goal
	mu            sync.RWMutex
}

// NewPublisher creates a publisher. The prefix comes from MQTT_PUBLISH_PREFIX
// and defaults to "tudoscout". A nil client disables publishing.
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "tudoscout"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		goals:         make(map[string]Goal),
	}
}

// SetClient attaches the broker connection once it exists.
func (p *Publisher) SetClient(client mqtt.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = client
}

// SetPrefix overrides the topic prefix, e.g. from mqtt.publishPrefix.
func (p *Publisher) SetPrefix(prefix string) {
	if prefix != "" {
		p.publishPrefix = prefix
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether goals and maps are retained by the broker.
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// PublishGoal publishes an agent's next goal and remembers it.
func (p *Publisher) PublishGoal(goal Goal) error {
	p.mu.Lock()
	p.goals[goal.AgentID] = goal
	p.mu.Unlock()

	topic := fmt.Sprintf("%s/%s/goal_pose", p.publishPrefix, goal.AgentID)
	if err := p.publishJSON(topic, goal, p.retain); err != nil {
		return err
	}
	log.Printf("[MQTT] Published goal for %s: (%.2f, %.2f) in %s",
		goal.AgentID, goal.Position.X, goal.Position.Y, goal.Header.FrameID)
	return nil
}

// PublishFrontierMarkers publishes one marker namespace. Markers expire on
// the consumer side, so they are never retained.
func (p *Publisher) PublishFrontierMarkers(markers FrontierMarkers) error {
	topic := fmt.Sprintf("%s/frontier_markers/%s", p.publishPrefix, markers.Namespace)
	return p.publishJSON(topic, markers, false)
}

// PublishMergedMap publishes the merged grid as a PNG preview with the grid
// data embedded, decodable with DecodeGridData.
func (p *Publisher) PublishMergedMap(g *OccupancyGrid) error {
	payload, err := EncodeGridPNG(g)
	if err != nil {
		return fmt.Errorf("encoding merged map: %w", err)
	}
	return p.publish(p.publishPrefix+"/map", payload, p.retain)
}

// PublishTransforms publishes a batch of frame placements.
func (p *Publisher) PublishTransforms(transforms []FrameTransform) error {
	if len(transforms) == 0 {
		return nil
	}
	return p.publishJSON(p.publishPrefix+"/tf", transforms, false)
}

// GetGoal returns the last goal published for an agent.
func (p *Publisher) GetGoal(agentID string) (Goal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.goals[agentID]
	return g, ok
}

// Goals returns a copy of the last goal of every agent.
func (p *Publisher) Goals() map[string]Goal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Goal, len(p.goals))
	for k, v := range p.goals {
		out[k] = v
	}
	return out
}

func (p *Publisher) publishJSON(topic string, v any, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	return p.publish(topic, payload, retain)
}

func (p *Publisher) publish(topic string, payload []byte, retain bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	token := client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
