package domain

import "time"

// QueueStats is the snapshot consumed by the admin dashboards.
type QueueStats struct {
	CountsByStatus map[Status]int                           `json:"counts_by_status"`
	CountsByType   map[Status]map[AggregateType]int         `json:"counts_by_type"`
	OldestCreated  *time.Time                               `json:"oldest_created_at,omitempty"`
	NewestCreated  *time.Time                               `json:"newest_created_at,omitempty"`
	// AvgAgeToProcessed is the mean createdAt→processedAt latency across
	// processed entries, keyed by aggregate type.
	AvgAgeToProcessed map[AggregateType]time.Duration `json:"avg_age_to_processed,omitempty"`
	DeadLettered      int                             `json:"dead_lettered"`
}

// ListFilter holds query parameters for pending-entry listings.
type ListFilter struct {
	AggregateType *AggregateType
	Limit         int
}
