package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicEventsSwarm carries every event of one swarm.
func TopicEventsSwarm(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

// TopicCapability is the request subject a kworker answers for a tool.
func TopicCapability(tool string) string {
	return fmt.Sprintf("capability.%s.execute", tool)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsAllSwarms = "events.swarm.*"

	// QueueWorkers load-balances capability requests across kworkers.
	QueueWorkers = "kworkers"
)
