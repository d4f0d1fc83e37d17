package mesh

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// InboundHandlers receive decoded messages from the broker. Nil handlers are
// skipped, so callers wire only the streams they consume.
type InboundHandlers struct {
	// OnGrid receives an agent's own map.
	OnGrid func(agentID string, g *OccupancyGrid)
	// OnGlobalMap receives a merged map produced by an external fusion process.
	OnGlobalMap func(g *OccupancyGrid)
	// OnPose receives an agent pose report in the agent's map frame.
	OnPose func(agentID string, msg *PoseMessage)
	// OnClock receives simulated time ticks.
	OnClock func(t time.Time)
}

// MQTTClient manages the broker connection and the agent subscriptions.
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	handlers    InboundHandlers
	isConnected bool
	stop        chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
}

// InitMQTT connects to the broker named by MQTT_BROKER or the config.
// Environment variables take precedence over the config file. If neither
// names a broker, MQTT is disabled and this returns nil.
func InitMQTT(config *Config, handlers InboundHandlers) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil {
		broker = config.MQTT.Broker
	}
	if broker == "" {
		log.Println("[MQTT] Disabled: MQTT_BROKER not set")
		return nil, nil
	}
	if config == nil || len(config.Agents) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no agent configuration provided")
	}

	c := &MQTTClient{
		config:   config,
		handlers: handlers,
		stop:     make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "tudoscout"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Println("[MQTT] Reconnecting...")
	})

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

// connectWithRetry connects with exponential backoff until it succeeds or
// the client is disconnected.
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		select {
		case <-c.stop:
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect (re)subscribes to every configured input stream.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected, subscribing to agent topics...")
	c.setConnected(true)

	for _, agent := range c.config.Agents {
		if c.handlers.OnGrid != nil {
			c.subscribe(client, agent.MapTopic, c.gridHandler(agent.ID))
		}
		if c.handlers.OnPose != nil {
			c.subscribe(client, agent.PoseTopic, c.poseHandler(agent.ID))
		}
	}
	if c.config.GlobalMapTopic != "" && c.handlers.OnGlobalMap != nil {
		c.subscribe(client, c.config.GlobalMapTopic, c.globalMapHandler())
	}
	if c.config.ClockTopic != "" && c.handlers.OnClock != nil {
		c.subscribe(client, c.config.ClockTopic, c.clockHandler())
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	if topic == "" {
		return
	}
	token := client.Subscribe(topic, 0, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("[MQTT] Subscribed to %s", topic)
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) gridHandler(agentID string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		g, err := DecodeGridData(msg.Payload(), agentID)
		if err != nil {
			log.Printf("[MQTT] Error decoding map for %s (%d bytes): %v", agentID, len(msg.Payload()), err)
			return
		}
		c.handlers.OnGrid(agentID, g)
	}
}

func (c *MQTTClient) globalMapHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		g, err := DecodeGridData(msg.Payload(), "")
		if err != nil {
			log.Printf("[MQTT] Error decoding global map (%d bytes): %v", len(msg.Payload()), err)
			return
		}
		c.handlers.OnGlobalMap(g)
	}
}

func (c *MQTTClient) poseHandler(agentID string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		pose, err := ParsePoseJSON(msg.Payload())
		if err != nil {
			log.Printf("[MQTT] Error decoding pose for %s: %v", agentID, err)
			return
		}
		c.handlers.OnPose(agentID, pose)
	}
}

func (c *MQTTClient) clockHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		tick, err := ParseClockJSON(msg.Payload())
		if err != nil {
			log.Printf("[MQTT] Error decoding clock: %v", err)
			return
		}
		c.handlers.OnClock(StampToTime(tick.Clock))
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops any pending reconnect and closes the connection.
func (c *MQTTClient) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps a provided mqtt.Client, for tests.
func newMQTTClientWithMock(client mqtt.Client, config *Config, handlers InboundHandlers) *MQTTClient {
	return &MQTTClient{
		client:   client,
		config:   config,
		handlers: handlers,
		stop:     make(chan struct{}),
	}
}
