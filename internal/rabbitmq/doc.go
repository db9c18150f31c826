// Package rabbitmq wraps amqp091-go with the pieces the RabbitMQ transport
// needs:
//
//   - ConnectionManager: one connection, a four-state lifecycle and
//     reconnection with exponential backoff
//   - ChannelPool: lazily opened channels that are dropped once closed
//   - Publisher: default-exchange publishing with optional confirms
//   - Consumer: auto-ack consumption that resumes after a reconnect
//   - TopologyManager: queue declarations cached per connection
package rabbitmq
