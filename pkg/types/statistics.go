package types

import "time"

// PipelineStats is a point-in-time snapshot of pipeline counters.
// Operators observe drops and escalations through these counters (and
// the Prometheus mirrors), never through producer-side errors.
type PipelineStats struct {
	Enqueued         int64            `json:"enqueued"`
	Delivered        int64            `json:"delivered"`
	Dropped          int64            `json:"dropped"`
	OverloadRejected int64            `json:"overload_rejected"`
	FallbackWrites   int64            `json:"fallback_writes"`
	Retries          int64            `json:"retries"`
	Abandoned        int64            `json:"abandoned"`
	QueueSize        int              `json:"queue_size"`
	QueueCapacity    int              `json:"queue_capacity"`
	HandlerHealth    map[string]bool  `json:"handler_health"`
	HandlerDelivered map[string]int64 `json:"handler_delivered"`
	State            string           `json:"state"`
	LastDispatch     time.Time        `json:"last_dispatch"`
}

// Clone returns a copy with its own maps.
func (s PipelineStats) Clone() PipelineStats {
	out := s
	out.HandlerHealth = make(map[string]bool, len(s.HandlerHealth))
	for k, v := range s.HandlerHealth {
		out.HandlerHealth[k] = v
	}
	out.HandlerDelivered = make(map[string]int64, len(s.HandlerDelivered))
	for k, v := range s.HandlerDelivered {
		out.HandlerDelivered[k] = v
	}
	return out
}
