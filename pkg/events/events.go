package events

import (
	"sync"

	"github.com/nubiot/fleetsync/pkg/types"
)

// TopicAll subscribes a listener to every stream's updates.
const TopicAll = "*"

// Subscriber is a channel that receives progress updates
type Subscriber chan *types.ProgressUpdate

// Notifier fans sync-state changes out to interested listeners, keyed
// by stream topic "<deviceType>/<sensorID>".
type Notifier struct {
	subscribers map[string]map[Subscriber]bool
	mu          sync.RWMutex
	updateCh    chan *types.ProgressUpdate
	stopCh      chan struct{}
}

// NewNotifier creates a new progress notifier
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[Subscriber]bool),
		updateCh:    make(chan *types.ProgressUpdate, 100), // Buffer up to 100 updates
		stopCh:      make(chan struct{}),
	}
}

// Start begins the notifier's distribution loop
func (n *Notifier) Start() {
	go n.run()
}

// Stop stops the notifier
func (n *Notifier) Stop() {
	close(n.stopCh)
}

// Subscribe registers a listener for one stream's updates. Use
// TopicAll to receive every update.
func (n *Notifier) Subscribe(topic string) Subscriber {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	if n.subscribers[topic] == nil {
		n.subscribers[topic] = make(map[Subscriber]bool)
	}
	n.subscribers[topic][sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (n *Notifier) Unsubscribe(topic string, sub Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if subs, ok := n.subscribers[topic]; ok {
		if subs[sub] {
			delete(subs, sub)
			close(sub)
		}
		if len(subs) == 0 {
			delete(n.subscribers, topic)
		}
	}
}

// Publish pushes a progress snapshot to all listeners on the update's
// stream topic and to wildcard listeners.
func (n *Notifier) Publish(update *types.ProgressUpdate) {
	select {
	case n.updateCh <- update:
	case <-n.stopCh:
	}
}

func (n *Notifier) run() {
	for {
		select {
		case update := <-n.updateCh:
			n.broadcast(update)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) broadcast(update *types.ProgressUpdate) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for sub := range n.subscribers[update.Topic()] {
		select {
		case sub <- update:
		default:
			// Subscriber buffer full, skip
		}
	}
	for sub := range n.subscribers[TopicAll] {
		select {
		case sub <- update:
		default:
		}
	}
}

// SubscriberCount returns the number of listeners on a topic
func (n *Notifier) SubscriberCount(topic string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[topic])
}
