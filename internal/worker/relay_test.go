package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datarun/lmis/internal/dispatcher"
	"github.com/datarun/lmis/internal/model"
)

const stockContract = `{
  "fields": [
    {"source": "facility", "target": "orgUnit", "type": "string", "required": true},
    {"source": "qty", "target": "value", "type": "integer", "required": true},
    {"target": "dataSet", "value": "LMIS"}
  ]
}`

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type destination struct {
	srv    *httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	bodies []map[string]any
}

func newDestination(t *testing.T, status func(body map[string]any) int) *destination {
	t.Helper()
	d := &destination{}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		d.mu.Lock()
		d.bodies = append(d.bodies, body)
		d.mu.Unlock()

		code := status(body)
		w.WriteHeader(code)
		_, _ = fmt.Fprintf(w, `{"code":%d}`, code)
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func newTestRelay(t *testing.T, inbox *memInbox, destURL string) *Relay {
	t.Helper()
	disp, err := dispatcher.New(dispatcher.Config{URL: destURL, Timeout: 2 * time.Second, FailThreshold: 100})
	require.NoError(t, err)

	r := NewRelay(inbox, memContracts{defs: map[string]string{"stock": stockContract}}, disp, nil)
	r.BatchSize = 50
	r.Workers = 4
	r.now = func() time.Time { return t0.Add(time.Minute) }
	return r
}

func always(code int) func(map[string]any) int {
	return func(map[string]any) int { return code }
}

func TestRunOnce_SuccessMarksSentWithOneLog(t *testing.T) {
	inbox := newMemInbox()
	inbox.add("a", "stock", `{"facility": "F1", "qty": "12"}`, t0)
	dest := newDestination(t, always(http.StatusOK))

	st, err := newTestRelay(t, inbox, dest.srv.URL).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Listed: 1, Sent: 1}, st)

	rec := inbox.get("a")
	assert.Equal(t, model.StatusSent, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, rec.LastError)
	require.NotNil(t, rec.ProcessedAt)

	logs := inbox.logsFor("a")
	require.Len(t, logs, 1)
	assert.Equal(t, model.OutcomeSuccess, logs[0].Outcome)
	assert.Equal(t, model.ErrorKindNone, logs[0].ErrorKind)
	assert.Equal(t, 1, logs[0].Attempt)
	require.NotNil(t, logs[0].ResponseCode)
	assert.Equal(t, 200, *logs[0].ResponseCode)

	require.Len(t, dest.bodies, 1)
	assert.Equal(t, map[string]any{"orgUnit": "F1", "value": float64(12), "dataSet": "LMIS"}, dest.bodies[0])
}

func TestRunOnce_ServerErrorMarksFailed(t *testing.T) {
	inbox := newMemInbox()
	inbox.add("a", "stock", `{"facility": "F1", "qty": 1}`, t0)
	dest := newDestination(t, always(http.StatusInternalServerError))

	st, err := newTestRelay(t, inbox, dest.srv.URL).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)

	rec := inbox.get("a")
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "HTTP 500")

	logs := inbox.logsFor("a")
	require.Len(t, logs, 1)
	assert.Equal(t, model.OutcomeFailure, logs[0].Outcome)
	assert.Equal(t, model.ErrorKindDispatch, logs[0].ErrorKind)
	require.NotNil(t, logs[0].ResponseCode)
	assert.Equal(t, 500, *logs[0].ResponseCode)
}

func TestRunOnce_MappingFailureSkipsDispatch(t *testing.T) {
	inbox := newMemInbox()
	inbox.add("a", "stock", `{"qty": 1}`, t0)
	dest := newDestination(t, always(http.StatusOK))

	_, err := newTestRelay(t, inbox, dest.srv.URL).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, dest.calls.Load())
	rec := inbox.get("a")
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "missing_required")

	logs := inbox.logsFor("a")
	require.Len(t, logs, 1)
	assert.Equal(t, model.ErrorKindMapping, logs[0].ErrorKind)
	assert.Nil(t, logs[0].ResponseCode)
}

func TestRunOnce_UnknownContractIsMappingFailure(t *testing.T) {
	inbox := newMemInbox()
	inbox.add("a", "nope", `{"facility": "F1", "qty": 1}`, t0)
	dest := newDestination(t, always(http.StatusOK))

	_, err := newTestRelay(t, inbox, dest.srv.URL).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, dest.calls.Load())
	assert.Equal(t, model.StatusFailed, inbox.get("a").Status)
	assert.Contains(t, inbox.get("a").LastError, "contract_not_found")
}

func TestRunOnce_MixedBatchEveryRecordTerminal(t *testing.T) {
	inbox := newMemInbox()
	for i := 0; i < 9; i++ {
		inbox.add(fmt.Sprintf("r%d", i), "stock", fmt.Sprintf(`{"facility": "F%d", "qty": %d}`, i, i), t0.Add(time.Duration(i)*time.Second))
	}
	inbox.add("bad", "stock", `{"facility": "F1"}`, t0)
	// odd quantities are rejected by the destination
	dest := newDestination(t, func(body map[string]any) int {
		if v, _ := body["value"].(float64); int(v)%2 == 1 {
			return http.StatusUnprocessableEntity
		}
		return http.StatusCreated
	})

	st, err := newTestRelay(t, inbox, dest.srv.URL).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, st.Listed)
	assert.Equal(t, 5, st.Sent)
	assert.Equal(t, 5, st.Failed)

	for id := range inbox.recs {
		rec := inbox.get(id)
		assert.Contains(t, []model.InboxStatus{model.StatusSent, model.StatusFailed}, rec.Status, id)
		assert.Len(t, inbox.logsFor(id), 1, id)
	}
}

func TestRunOnce_NothingReceivedIsNoop(t *testing.T) {
	inbox := newMemInbox()
	dest := newDestination(t, always(http.StatusOK))
	r := newTestRelay(t, inbox, dest.srv.URL)

	st, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)

	inbox.add("a", "stock", `{"facility": "F1", "qty": 1}`, t0)
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), dest.calls.Load())
	assert.Equal(t, 1, inbox.logCount())
}

func TestRunOnce_ConcurrentRunsProcessEachRecordOnce(t *testing.T) {
	inbox := newMemInbox()
	for i := 0; i < 10; i++ {
		inbox.add(fmt.Sprintf("r%d", i), "stock", `{"facility": "F1", "qty": 1}`, t0.Add(time.Duration(i)*time.Millisecond))
	}
	dest := newDestination(t, always(http.StatusOK))
	a := newTestRelay(t, inbox, dest.srv.URL)
	b := newTestRelay(t, inbox, dest.srv.URL)

	var wg sync.WaitGroup
	var stA, stB Stats
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); stA, errA = a.RunOnce(context.Background()) }()
	go func() { defer wg.Done(); stB, errB = b.RunOnce(context.Background()) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, 10, stA.Sent+stB.Sent)
	assert.Equal(t, 10, inbox.logCount())
	assert.Equal(t, int32(10), dest.calls.Load())
}

func TestRunOnce_ListErrorIsReturned(t *testing.T) {
	inbox := newMemInbox()
	inbox.listErr = errors.New("db down")
	dest := newDestination(t, always(http.StatusOK))

	_, err := newTestRelay(t, inbox, dest.srv.URL).RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRunOnce_CompleteErrorIsReturned(t *testing.T) {
	inbox := newMemInbox()
	inbox.add("a", "stock", `{"facility": "F1", "qty": 1}`, t0)
	inbox.completeErr = errors.New("tx aborted")
	dest := newDestination(t, always(http.StatusOK))

	_, err := newTestRelay(t, inbox, dest.srv.URL).RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tx aborted")
}

func TestRunOnce_ContractStoreErrorIsReturned(t *testing.T) {
	inbox := newMemInbox()
	inbox.add("a", "stock", `{"facility": "F1", "qty": 1}`, t0)
	dest := newDestination(t, always(http.StatusOK))
	r := newTestRelay(t, inbox, dest.srv.URL)
	r.Contracts = memContracts{err: errors.New("contracts unavailable")}

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, dest.calls.Load())
	assert.Zero(t, inbox.logCount())
}

func TestRunOnce_ClaimLostStillCountsAttempt(t *testing.T) {
	inbox := newMemInbox()
	inbox.add("a", "stock", `{"facility": "F1", "qty": 1}`, t0)
	// the sweeper releases the record while the POST is in flight
	dest := newDestination(t, func(map[string]any) int {
		_, _ = inbox.ReleaseStuck(context.Background(), t0.Add(time.Hour), t0)
		return http.StatusOK
	})

	st, err := newTestRelay(t, inbox, dest.srv.URL).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sent)
	assert.Equal(t, model.StatusReceived, inbox.get("a").Status)
	assert.Len(t, inbox.logsFor("a"), 1)
}

func TestRun_TriggerWakesRelay(t *testing.T) {
	inbox := newMemInbox()
	dest := newDestination(t, always(http.StatusOK))
	r := newTestRelay(t, inbox, dest.srv.URL)
	r.Interval = time.Hour
	trig := make(chan struct{}, 1)
	r.Trigger = trig

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	inbox.add("a", "stock", `{"facility": "F1", "qty": 1}`, t0)
	trig <- struct{}{}

	assert.Eventually(t, func() bool { return inbox.get("a").Status == model.StatusSent }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRun_RejectsNonPositiveInterval(t *testing.T) {
	r := NewRelay(newMemInbox(), memContracts{}, nil, nil)
	r.Interval = 0
	assert.Error(t, r.Run(context.Background()))
}

func TestRunOnce_OpenBreakerLeavesRecordsReceived(t *testing.T) {
	inbox := newMemInbox()
	for i, id := range []string{"a", "b", "c", "d"} {
		inbox.add(id, "stock", `{"facility": "F1", "qty": 1}`, t0.Add(time.Duration(i)*time.Second))
	}
	var healthy atomic.Bool
	dest := newDestination(t, func(map[string]any) int {
		if healthy.Load() {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	})

	disp, err := dispatcher.New(dispatcher.Config{URL: dest.srv.URL, Timeout: 2 * time.Second, FailThreshold: 2, OpenFor: time.Hour})
	require.NoError(t, err)
	r := NewRelay(inbox, memContracts{defs: map[string]string{"stock": stockContract}}, disp, nil)
	r.Workers = 1
	r.now = func() time.Time { return t0.Add(time.Minute) }

	st, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Listed: 4, Failed: 2}, st)
	assert.Equal(t, dispatcher.BreakerOpen, disp.BreakerState())

	// the destination recovers, but the cooldown is not over yet
	healthy.Store(true)
	inbox.add("fresh", "stock", `{"facility": "F2", "qty": 3}`, t0.Add(time.Hour))
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), dest.calls.Load())
	for _, id := range []string{"c", "d", "fresh"} {
		rec := inbox.get(id)
		assert.Equal(t, model.StatusReceived, rec.Status, id)
		assert.Zero(t, rec.Attempts, id)
		assert.Empty(t, rec.LastError, id)
		assert.Empty(t, inbox.logsFor(id), id)
	}
}

type refusingSender struct{}

func (refusingSender) Ready() bool { return true }

func (refusingSender) Send(context.Context, []byte) (dispatcher.Result, error) {
	return dispatcher.Result{}, dispatcher.ErrBreakerOpen
}

func TestRunOnce_BreakerOpeningAfterClaimHandsRecordBack(t *testing.T) {
	inbox := newMemInbox()
	inbox.add("a", "stock", `{"facility": "F1", "qty": 1}`, t0)
	r := NewRelay(inbox, memContracts{defs: map[string]string{"stock": stockContract}}, refusingSender{}, nil)

	st, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Listed: 1, Deferred: 1}, st)

	rec := inbox.get("a")
	assert.Equal(t, model.StatusReceived, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Nil(t, rec.ClaimedAt)
	assert.Empty(t, inbox.logsFor("a"))
	assert.Equal(t, 1, inbox.unclaimed)
}

func TestRunOnce_StoreErrorLetsInFlightDeliveryFinish(t *testing.T) {
	inbox := newMemInbox()
	inbox.add("good", "stock", `{"facility": "F1", "qty": 1}`, t0)
	inbox.add("bad", "broken", `{"facility": "F1", "qty": 1}`, t0.Add(time.Second))

	inFlight := make(chan struct{})
	var once sync.Once
	dest := newDestination(t, func(map[string]any) int {
		once.Do(func() { close(inFlight) })
		// answer only after the failed lookup had time to cancel the batch
		time.Sleep(200 * time.Millisecond)
		return http.StatusOK
	})

	r := newTestRelay(t, inbox, dest.srv.URL)
	r.Workers = 2
	r.Contracts = memContracts{
		defs:   map[string]string{"stock": stockContract},
		err:    errors.New("contracts unavailable"),
		errFor: "broken",
		gate:   inFlight,
	}

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contracts unavailable")

	good := inbox.get("good")
	assert.Equal(t, model.StatusSent, good.Status)
	logs := inbox.logsFor("good")
	require.Len(t, logs, 1)
	assert.Equal(t, model.OutcomeSuccess, logs[0].Outcome)
	assert.Equal(t, int32(1), dest.calls.Load())

	assert.Equal(t, model.StatusProcessing, inbox.get("bad").Status)
	assert.Empty(t, inbox.logsFor("bad"))
}
