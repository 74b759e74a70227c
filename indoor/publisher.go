package indoor

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gonum.org/v1/gonum/mat"
)

// Publisher manages publishing estimated device positions to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	positions     map[string]*DevicePosition
	mu            sync.RWMutex
}

// NewPublisher creates a new position publisher
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for position updates (fire and forget)
		retain:        true, // Retain for latest position
		positions:     make(map[string]*DevicePosition),
	}
}

// PublishPosition publishes a single device's estimated position to MQTT
// Publishes to both individual topic and combined positions topic
func (p *Publisher) PublishPosition(deviceID string, coordinates []float64, accuracy float64, numInliers int) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if len(coordinates) == 0 {
		return fmt.Errorf("no coordinates to publish for %s", deviceID)
	}

	position := &DevicePosition{
		DeviceID:    deviceID,
		Coordinates: append([]float64(nil), coordinates...),
		Accuracy:    accuracy,
		NumInliers:  numInliers,
		Timestamp:   time.Now().Unix(),
	}

	// Store position for combined message
	p.mu.Lock()
	p.positions[deviceID] = position
	p.mu.Unlock()

	// Publish to individual topic: tudopos/estimates/{deviceID}
	if err := p.publishIndividual(position); err != nil {
		log.Printf("Error publishing individual position for %s: %v", deviceID, err)
		return err
	}

	// Publish to combined topic: tudopos/estimates/positions
	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined positions: %v", err)
		return err
	}

	return nil
}

// PublishEstimate publishes the estimator's last result for a device
// This is a convenience function for the main service loop
func (p *Publisher) PublishEstimate(deviceID string, est *Estimator) error {
	pos := est.EstimatedPosition()
	if pos == nil {
		return fmt.Errorf("no estimate available for %s", deviceID)
	}

	accuracy := AccuracyFromCovariance(est.Covariance())
	return p.PublishPosition(deviceID, pos, accuracy, est.NumInliers())
}

// publishIndividual publishes a single device position to its individual topic
func (p *Publisher) publishIndividual(pos *DevicePosition) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, pos.DeviceID)

	payload, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshaling position: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published position for %s: %s accuracy=%.2fm inliers=%d",
		pos.DeviceID, formatCoordinates(pos.Coordinates), pos.Accuracy, pos.NumInliers)
	return nil
}

// publishCombined publishes all device positions to the combined topic
func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	positions := make([]*DevicePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		positions = append(positions, pos)
	}
	p.mu.RUnlock()

	if len(positions) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/positions", p.publishPrefix)

	// Create combined message
	message := map[string]interface{}{
		"devices":   positions,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined positions: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetPosition returns the last known position for a device
func (p *Publisher) GetPosition(deviceID string) (*DevicePosition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[deviceID]
	return pos, ok
}

// GetAllPositions returns all known device positions
func (p *Publisher) GetAllPositions() map[string]*DevicePosition {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Return a copy to avoid race conditions
	positions := make(map[string]*DevicePosition, len(p.positions))
	for id, pos := range p.positions {
		posCopy := *pos
		positions[id] = &posCopy
	}
	return positions
}

// ClearPosition removes a device's position (e.g., when offline)
func (p *Publisher) ClearPosition(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, deviceID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// AccuracyFromCovariance reduces a position covariance to a scalar accuracy
// in meters: the root of the summed per-axis variances (DRMS). Returns 0 for
// a nil covariance.
func AccuracyFromCovariance(cov *mat.SymDense) float64 {
	if cov == nil {
		return 0
	}
	var trace float64
	n := cov.SymmetricDim()
	for i := 0; i < n; i++ {
		trace += cov.At(i, i)
	}
	if trace < 0 {
		return 0
	}
	return math.Sqrt(trace)
}

func formatCoordinates(coords []float64) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = fmt.Sprintf("%.2f", c)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
