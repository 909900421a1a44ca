package transfer_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/agent_phone/pkg/call"
	"github.com/arzzra/agent_phone/pkg/engine/enginetest"
	"github.com/arzzra/agent_phone/pkg/guard"
	"github.com/arzzra/agent_phone/pkg/store"
	"github.com/arzzra/agent_phone/pkg/transfer"
)

// fakeCall управляемая заглушка среза машины вызова.
type fakeCall struct {
	mu      sync.Mutex
	status  call.Status
	callID  string
	actions []string
}

func (f *fakeCall) record(a string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
}

func (f *fakeCall) count(a string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, x := range f.actions {
		if x == a {
			n++
		}
	}
	return n
}

func (f *fakeCall) Status() call.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeCall) CallID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callID
}

func (f *fakeCall) Hold(ctx context.Context) error   { f.record("hold"); return nil }
func (f *fakeCall) Unhold(ctx context.Context) error { f.record("unhold"); return nil }
func (f *fakeCall) Hangup(ctx context.Context) error { f.record("hangup"); return nil }

type fixture struct {
	co   *transfer.Coordinator
	eng  *enginetest.Engine
	fc   *fakeCall
	sess *guard.SessionContext

	mu       sync.Mutex
	notices  []string
	finished []transfer.Record
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		eng:  enginetest.New(),
		sess: guard.NewSessionContext(),
		fc:   &fakeCall{status: call.StatusEstablished, callID: "orig-1"},
	}

	b, err := store.OpenBounded(filepath.Join(t.TempDir(), "transfers.json"), 50)
	require.NoError(t, err)

	f.co = transfer.NewCoordinator(transfer.Options{
		Session: f.sess,
		Engine:  f.eng,
		Call:    f.fc,
		History: transfer.NewLog(b),
		Timeout: timeout,
		OnNotify: func(msg string) {
			f.mu.Lock()
			f.notices = append(f.notices, msg)
			f.mu.Unlock()
		},
		OnFinished: func(r transfer.Record) {
			f.mu.Lock()
			f.finished = append(f.finished, r)
			f.mu.Unlock()
		},
	})
	f.co.Start()
	t.Cleanup(f.co.Close)
	return f
}

func (f *fixture) lastFinished(t *testing.T) transfer.Record {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.finished)
	return f.finished[len(f.finished)-1]
}

func TestBlindTransferConfirmed(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, f.co.Blind(ctx, "2002"))
	require.NotNil(t, f.co.Current())
	assert.Equal(t, transfer.StatusInitiated, f.co.Current().Status())

	f.eng.EmitTransferResult("orig-1", "2002", true, 200, "OK")

	assert.Nil(t, f.co.Current(), "slot freed after confirmation")
	rec := f.lastFinished(t)
	assert.Equal(t, transfer.StatusCompleted, rec.Outcome)
	assert.Equal(t, transfer.KindBlind, rec.Kind)
	assert.Equal(t, 1, f.fc.count("hangup"), "agent leg ends after success")

	recs, err := f.co.History()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2002", recs[0].Target)
}

func TestBlindTransferTimeoutAssumesSuccess(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)

	require.NoError(t, f.co.Blind(context.Background(), "2002"))

	require.Eventually(t, func() bool {
		return f.co.Current() == nil
	}, time.Second, 5*time.Millisecond, "timeout must close the session")

	rec := f.lastFinished(t)
	assert.Equal(t, transfer.StatusUnconfirmed, rec.Outcome)
	assert.Equal(t, 1, f.fc.count("hangup"), "optimistic success still ends the agent leg")
}

func TestBlindTransferFailureKeepsCall(t *testing.T) {
	f := newFixture(t, time.Hour)

	require.NoError(t, f.co.Blind(context.Background(), "2002"))
	f.eng.EmitTransferResult("orig-1", "2002", false, 486, "Busy Here")

	rec := f.lastFinished(t)
	assert.Equal(t, transfer.StatusFailed, rec.Outcome)
	assert.Equal(t, 486, rec.StatusCode)
	assert.Zero(t, f.fc.count("hangup"), "failed transfer keeps the original call")

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.notices, 1)
	assert.Contains(t, f.notices[0], "busy")
}

func TestTransferMutualExclusion(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, f.co.Blind(ctx, "2002"))

	assert.ErrorIs(t, f.co.Blind(ctx, "2003"), transfer.ErrTransferInProgress)
	assert.ErrorIs(t, f.co.StartAttended(ctx, "2003"), transfer.ErrTransferInProgress)
}

func TestTransferPreconditions(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	assert.ErrorIs(t, f.co.Blind(ctx, "20 02"), transfer.ErrInvalidTarget)
	assert.ErrorIs(t, f.co.Complete(ctx), transfer.ErrNoTransfer)
	assert.ErrorIs(t, f.co.Cancel(ctx), transfer.ErrNoTransfer)

	f.fc.mu.Lock()
	f.fc.status = call.StatusRinging
	f.fc.mu.Unlock()
	assert.ErrorIs(t, f.co.Blind(ctx, "2002"), transfer.ErrNotEstablished)
	assert.ErrorIs(t, f.co.StartAttended(ctx, "2002"), transfer.ErrNotEstablished)
}

func TestAttendedTransferComplete(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, f.co.StartAttended(ctx, "2002"))
	require.NotNil(t, f.co.Current())
	assert.Equal(t, transfer.StatusConsultation, f.co.Current().Status())
	assert.Equal(t, 1, f.fc.count("hold"), "original call held before consultation")
	assert.Equal(t, 1, f.eng.CallCount("AttendedTransfer"))

	require.NoError(t, f.co.Complete(ctx))
	assert.Equal(t, 1, f.eng.CallCount("CompleteAttendedTransfer"))

	f.eng.EmitTransferResult("orig-1", "2002", true, 200, "OK")

	rec := f.lastFinished(t)
	assert.Equal(t, transfer.StatusCompleted, rec.Outcome)
	assert.Equal(t, transfer.KindAttended, rec.Kind)
	assert.Equal(t, 1, f.fc.count("hangup"))
}

func TestAttendedCancelRestoresCall(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, f.co.StartAttended(ctx, "2002"))
	require.NoError(t, f.co.Cancel(ctx))

	rec := f.lastFinished(t)
	assert.Equal(t, transfer.StatusCancelled, rec.Outcome)
	assert.Equal(t, 1, f.eng.CallCount("CancelAttendedTransfer"))
	assert.Equal(t, 1, f.fc.count("unhold"), "original call taken off hold")
	assert.Zero(t, f.fc.count("hangup"))
	assert.Nil(t, f.co.Current())
}

func TestAttendedConsultationFailureRestoresCall(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.eng.Errs["AttendedTransfer"] = assert.AnError

	err := f.co.StartAttended(context.Background(), "2002")
	require.Error(t, err)

	rec := f.lastFinished(t)
	assert.Equal(t, transfer.StatusFailed, rec.Outcome)
	assert.Equal(t, 1, f.fc.count("unhold"))
	assert.Nil(t, f.co.Current())
}

func TestForeignTransferResultIgnored(t *testing.T) {
	f := newFixture(t, time.Hour)

	require.NoError(t, f.co.Blind(context.Background(), "2002"))
	f.eng.EmitTransferResult("other-call", "9999", true, 200, "OK")

	require.NotNil(t, f.co.Current(), "foreign result must not close the session")
	assert.Equal(t, transfer.StatusInitiated, f.co.Current().Status())
}

func TestTransferGuard(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.sess.BeginLogout()

	require.NoError(t, f.co.Blind(context.Background(), "2002"))
	assert.Nil(t, f.co.Current())
	assert.Zero(t, f.eng.CallCount("TransferCall"), "no network calls after logout")
}
