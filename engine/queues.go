package engine

// Task queue names. Each activity registration routes to exactly one; the
// router enforces per-queue worker concurrency and backpressure thresholds.
const (
	// QueueAIProcessing carries model-bound work: text extraction, embedding
	// generation, inference, relevance assessment, topic extraction, summary.
	QueueAIProcessing = "ai-processing"
	// QueueStorage carries adapter writes: vector index, graph, metadata,
	// blob transfer.
	QueueStorage = "storage"
	// QueueGeneral carries coordination, validation, notification, and
	// review plumbing. The default when a registration names no queue.
	QueueGeneral = "general"
)

// Queues lists all task queues in routing order.
func Queues() []string {
	return []string{QueueAIProcessing, QueueStorage, QueueGeneral}
}

// ChannelCancelRequested is the reserved signal channel for cooperative
// cancellation. Workflows that support early shutdown select on it; the
// cancel activity signals it and escalates to termination after a grace
// period if the run stays open.
const ChannelCancelRequested = "__cancel_requested"
