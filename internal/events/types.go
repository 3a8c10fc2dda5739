package events

// Event enumerates high-level topics inside the replication engine.
type Event string

const (
	EventSignalIngested     Event = "signal.ingested"
	EventSignalDuplicate    Event = "signal.duplicate"
	EventSessionCreated     Event = "session.created"
	EventSessionExecuting   Event = "session.executing"
	EventSessionCompleted   Event = "session.completed"
	EventSessionFailed      Event = "session.failed"
	EventSessionCancelled   Event = "session.cancelled"
	EventRelationshipStatus Event = "relationship.status"
	EventRiskAlert          Event = "risk.alert"
)
