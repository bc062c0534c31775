package reg

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publishTimeout bounds how long a publish waits for the broker.
const publishTimeout = 2 * time.Second

// OutcomePublisher publishes registration outcomes to MQTT
type OutcomePublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	outcomes      map[string]OutcomeRecord
	mu            sync.RWMutex
}

// NewOutcomePublisher creates a publisher writing under prefix.
// If client is nil, publishing fails with a not-connected error.
func NewOutcomePublisher(client mqtt.Client, prefix string) *OutcomePublisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &OutcomePublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		outcomes:      make(map[string]OutcomeRecord),
	}
}

// Publish sends rec to {prefix}/{task} and the combined {prefix}/outcomes.
func (p *OutcomePublisher) Publish(rec OutcomeRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.outcomes[rec.Task] = rec
	p.mu.Unlock()

	if err := p.publishIndividual(rec); err != nil {
		log.Printf("Error publishing outcome for %s: %v", rec.Task, err)
		return err
	}
	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined outcomes: %v", err)
		return err
	}
	return nil
}

func (p *OutcomePublisher) publishIndividual(rec OutcomeRecord) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, rec.Task)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}

	if err := p.send(topic, payload); err != nil {
		return err
	}
	log.Printf("Published outcome for %s: status=%s", rec.Task, rec.Status)
	return nil
}

func (p *OutcomePublisher) publishCombined() error {
	outcomes := p.Outcomes()
	if len(outcomes) == 0 {
		return nil
	}

	message := map[string]interface{}{
		"outcomes":  outcomes,
		"timestamp": time.Now().Unix(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined outcomes: %w", err)
	}
	return p.send(fmt.Sprintf("%s/outcomes", p.publishPrefix), payload)
}

func (p *OutcomePublisher) send(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timed out after %v", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Outcomes returns the published outcomes sorted by task.
func (p *OutcomePublisher) Outcomes() []OutcomeRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]OutcomeRecord, 0, len(p.outcomes))
	for _, rec := range p.outcomes {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *OutcomePublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *OutcomePublisher) SetRetain(retain bool) {
	p.retain = retain
}
