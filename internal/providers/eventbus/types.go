// Package eventbus implements the transport layer for the event-bus target:
// acknowledged, idempotent publishes onto a Kafka topic. Downstream
// consumers (reporting, automation) key off the change event id, so
// republishing the same event is harmless.
package eventbus

// Producer is the subset of producer behaviour the event-bus adapter needs.
type Producer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
	IsReady() bool
}
