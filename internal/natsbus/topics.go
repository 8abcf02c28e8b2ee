package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicNodeRPC is the request subject for one node service method, e.g.
// swarm.node.worker-1.ExecuteTask.
func TopicNodeRPC(nodeID, method string) string {
	return fmt.Sprintf("swarm.node.%s.%s", nodeID, method)
}

func TopicNodeAll(nodeID string) string {
	return fmt.Sprintf("swarm.node.%s.*", nodeID)
}

func TopicEventsRun(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

const (
	TopicEventsAll   = "events.>"
	TopicEventsRuns  = "events.run.*"
	TopicEventsSwarm = "events.swarm"
)
