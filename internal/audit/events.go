package audit

// Event types emitted by the orchestrator. Kept as constants so queries
// never string-match ad hoc spellings.
const (
	EventSessionControl = "session_control"
	EventWaveControl    = "wave_control"
	EventPromptReview   = "prompt_review"
	EventCheckpoint     = "checkpoint"
	EventDataAccess     = "data_access"
)

// SessionStarted records the start of a session.
func (l *Log) SessionStarted(userID, sessionID string) error {
	return l.Record(Entry{
		EventType: EventSessionControl,
		UserID:    userID,
		Action:    "start",
		Resource:  "session/" + sessionID,
		Outcome:   OutcomeSuccess,
	})
}

// SessionEnded records a session reaching a terminal status.
func (l *Log) SessionEnded(userID, sessionID, outcome string) error {
	return l.Record(Entry{
		EventType: EventSessionControl,
		UserID:    userID,
		Action:    "end",
		Resource:  "session/" + sessionID,
		Outcome:   outcome,
	})
}

// ControlEvent records a pause, resume, cancel, or restart request.
func (l *Log) ControlEvent(userID, sessionID, action string) error {
	return l.Record(Entry{
		EventType: EventWaveControl,
		UserID:    userID,
		Action:    action,
		Resource:  "session/" + sessionID,
		Outcome:   OutcomeSuccess,
	})
}

// PromptRejected records a prompt failing validation before dispatch.
func (l *Log) PromptRejected(userID, storyID, code string) error {
	return l.Record(Entry{
		EventType: EventPromptReview,
		UserID:    userID,
		Action:    "validate",
		Resource:  "story/" + storyID,
		Outcome:   OutcomeDenied,
		Metadata:  map[string]interface{}{"code": code},
	})
}

// PromptAccepted records a prompt passing validation.
func (l *Log) PromptAccepted(userID, storyID string) error {
	return l.Record(Entry{
		EventType: EventPromptReview,
		UserID:    userID,
		Action:    "validate",
		Resource:  "story/" + storyID,
		Outcome:   OutcomeSuccess,
	})
}

// CheckpointWritten records a persisted checkpoint.
func (l *Log) CheckpointWritten(userID, name string) error {
	return l.Record(Entry{
		EventType: EventCheckpoint,
		UserID:    userID,
		Action:    "save",
		Resource:  "checkpoint/" + name,
		Outcome:   OutcomeSuccess,
	})
}

// CheckpointCorrupt records a checkpoint failing its integrity check.
func (l *Log) CheckpointCorrupt(userID, name string) error {
	return l.Record(Entry{
		EventType: EventCheckpoint,
		UserID:    userID,
		Action:    "load",
		Resource:  "checkpoint/" + name,
		Outcome:   OutcomeFailure,
		Metadata:  map[string]interface{}{"reason": "checksum mismatch"},
	})
}
