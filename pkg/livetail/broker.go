package livetail

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nubiot/fleetsync/pkg/types"
)

// MessageHandler receives one inbound broker message.
type MessageHandler func(topic string, payload []byte)

// BrokerClient is the minimal broker surface the subscription manager
// needs. The production implementation wraps a paho MQTT client; tests
// substitute a fake.
type BrokerClient interface {
	Subscribe(topics []string, handler MessageHandler) error
	Unsubscribe(topics []string) error
	Disconnect()
}

// Dialer opens a broker connection for one tenant credential.
type Dialer func(cred *types.TenantCredential) (BrokerClient, error)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, per paho convention
)

type pahoBroker struct {
	client mqtt.Client
}

// DialPaho connects to a tenant's broker with its project credential.
// QoS 0 is used throughout: at-most-once delivery is acceptable
// because index writes are idempotent.
func DialPaho(cred *types.TenantCredential) (BrokerClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cred.BrokerURL)
	opts.SetClientID(fmt.Sprintf("fleetsync-%s-%d", cred.ProjectID, time.Now().UnixNano()%1000000))
	opts.SetUsername(cred.AppKey)
	opts.SetPassword(cred.AppSecret)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("broker connect timed out: %s", cred.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("broker connect failed: %w", err)
	}
	return &pahoBroker{client: client}, nil
}

func (b *pahoBroker) Subscribe(topics []string, handler MessageHandler) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = 0
	}
	token := b.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (b *pahoBroker) Unsubscribe(topics []string) error {
	token := b.client.Unsubscribe(topics...)
	token.Wait()
	return token.Error()
}

func (b *pahoBroker) Disconnect() {
	b.client.Disconnect(disconnectQuiesce)
}
