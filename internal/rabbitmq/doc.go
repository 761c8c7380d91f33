// Package rabbitmq provides the RabbitMQ side of the durable queue consumer.
//
// This package includes:
//   - ConnectionManager: dials once, opens one channel and declares a durable queue
//   - Consumer: the blocking manual-ack delivery loop with acknowledgment strategies
//   - Classify: maps whatever ended the loop to a FailureKind
//
// The broker client is seen through the Connection and Channel interfaces so
// the loop can run against amqp091-go or the fakes in package rabbitmqtest.
// Nothing in this package reconnects; recovery belongs to the process supervisor.
package rabbitmq
