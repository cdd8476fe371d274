package persistence

// Fire-and-forget helpers for posting archive writes to the persistence
// worker. Callers on the engine's hot path must never block on the archive, so
// each helper silently drops the write when the channel is nil (archive
// disabled) and otherwise hands the request to the worker.

// PersistSession posts a session upsert to the persistence worker.
func PersistSession(session *Session, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || session == nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpArchiveSession,
		Data:      session,
		Response:  nil, // Fire-and-forget
	}
}

// PersistSessionStatus posts a session status change to the persistence worker.
func PersistSessionStatus(sessionID, status, result string, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || sessionID == "" {
		return
	}

	statusReq := &UpdateSessionStatusRequest{
		SessionID: sessionID,
		Status:    status,
		Result:    result,
	}

	persistenceChannel <- &Request{
		Operation: OpUpdateSessionStatus,
		Data:      statusReq,
		Response:  nil, // Fire-and-forget
	}
}

// PersistTaskRecord posts a finished task's record to the persistence worker.
func PersistTaskRecord(record *TaskRecord, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || record == nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpRecordTask,
		Data:      record,
		Response:  nil, // Fire-and-forget
	}
}

// PersistGateDecision posts a gate outcome to the persistence worker.
func PersistGateDecision(decision *GateDecision, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || decision == nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpRecordGateDecision,
		Data:      decision,
		Response:  nil, // Fire-and-forget
	}
}
