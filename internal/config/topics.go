package config

const (
	// TopicIndexResult carries reconcile outcomes (chunk counts, failures)
	// for the surrounding application's activity feed.
	TopicIndexResult = "index.result"

	// TopicContinuityResult carries continuity check outcomes (score,
	// status, missing-link count).
	TopicContinuityResult = "continuity.result"
)
