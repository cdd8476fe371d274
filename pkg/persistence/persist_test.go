package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistHelpersPostRequests(t *testing.T) {
	ch := make(chan *Request, 4)

	PersistSession(&Session{ID: "sess-1", Classification: "API", Status: StatusActive}, ch)
	PersistSessionStatus("sess-1", StatusCompleted, "done", ch)
	PersistTaskRecord(&TaskRecord{TaskID: "t1", SessionID: "sess-1", Role: "planner", Group: "preparation", Status: "success"}, ch)
	PersistGateDecision(&GateDecision{SessionID: "sess-1", Phase: "PLANNING", Kind: "user_approval", Outcome: "pass"}, ch)

	require.Len(t, ch, 4)

	req := <-ch
	assert.Equal(t, OpArchiveSession, req.Operation)
	assert.Nil(t, req.Response)

	req = <-ch
	assert.Equal(t, OpUpdateSessionStatus, req.Operation)
	statusReq, ok := req.Data.(*UpdateSessionStatusRequest)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, statusReq.Status)
	assert.Equal(t, "done", statusReq.Result)

	req = <-ch
	assert.Equal(t, OpRecordTask, req.Operation)

	req = <-ch
	assert.Equal(t, OpRecordGateDecision, req.Operation)
}

func TestPersistHelpersGuardNilChannel(t *testing.T) {
	// Archive disabled: every helper must be a silent no-op.
	PersistSession(&Session{ID: "sess-1"}, nil)
	PersistSessionStatus("sess-1", StatusFailed, "", nil)
	PersistTaskRecord(&TaskRecord{TaskID: "t1"}, nil)
	PersistGateDecision(&GateDecision{SessionID: "sess-1"}, nil)
}

func TestPersistHelpersGuardNilPayload(t *testing.T) {
	ch := make(chan *Request, 4)

	PersistSession(nil, ch)
	PersistSessionStatus("", StatusFailed, "", ch)
	PersistTaskRecord(nil, ch)
	PersistGateDecision(nil, ch)

	assert.Empty(t, ch)
}
