package spine

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() StreamSpec {
	return StreamSpec{
		Name:     "orders",
		Subjects: []string{"titan.evt.order."},
		MaxAge:   time.Hour,
		Replicas: 1,
	}
}

func TestDeclareThenPublishAssignsSequences(t *testing.T) {
	sp := New("")
	require.NoError(t, sp.Declare(testSpec()))

	seq1, err := sp.Publish("titan.evt.order.placed", nil, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	seq2, err := sp.Publish("titan.evt.order.filled", nil, json.RawMessage(`{"a":2}`))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
}

func TestPublishRejectsUndeclaredSubject(t *testing.T) {
	sp := New("")
	require.NoError(t, sp.Declare(testSpec()))

	_, err := sp.Publish("titan.evt.unknown.thing", nil, json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestDeclareDetectsSpecDriftOnDisk(t *testing.T) {
	dir := t.TempDir()

	sp1 := New(dir)
	require.NoError(t, sp1.Declare(testSpec()))

	sp2 := New(dir)
	drifted := testSpec()
	drifted.MaxAge = 2 * time.Hour
	err := sp2.Declare(drifted)
	require.Error(t, err)
}

func TestDeclareAcceptsReorderedSubjectsAsEquivalent(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec()
	spec.Subjects = []string{"titan.evt.order.", "titan.evt.cancel."}

	sp1 := New(dir)
	require.NoError(t, sp1.Declare(spec))

	reordered := spec
	reordered.Subjects = []string{"titan.evt.cancel.", "titan.evt.order."}
	sp2 := New(dir)
	assert.NoError(t, sp2.Declare(reordered))
}

func TestConsumerReceivesRecordsInOrder(t *testing.T) {
	sp := New("")
	require.NoError(t, sp.Declare(testSpec()))

	var received []uint64
	done := make(chan struct{}, 1)

	c, err := sp.Consumer("orders", "test-consumer", "", time.Second, 3)
	require.NoError(t, err)
	c.Bind(func(rec Record) error {
		received = append(received, rec.Sequence)
		if len(received) == 2 {
			done <- struct{}{}
		}
		return nil
	}, nil)

	_, err = sp.Publish("titan.evt.order.placed", nil, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = sp.Publish("titan.evt.order.filled", nil, json.RawMessage(`{}`))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not receive both records")
	}
	assert.Equal(t, []uint64{1, 2}, received)
}

func TestBindWithDLQRoutesExhaustedDeliveriesToDLQSubject(t *testing.T) {
	sp := New("")
	spec := testSpec()
	sp.Declare(spec)

	dlqSpec := StreamSpec{Name: "dlq", Subjects: []string{"titan.dlq.v1."}, Replicas: 1}
	require.NoError(t, sp.Declare(dlqSpec))

	c, err := sp.Consumer("orders", "failing-consumer", "", 2*time.Millisecond, 1)
	require.NoError(t, err)

	dlqReceived := make(chan Record, 1)
	dlqConsumer, err := sp.Consumer("dlq", "dlq-watcher", "", time.Second, 3)
	require.NoError(t, err)
	dlqConsumer.Bind(func(rec Record) error {
		dlqReceived <- rec
		return nil
	}, nil)

	sp.BindWithDLQ("orders", c, func(Record) error {
		return assert.AnError
	})

	_, err = sp.Publish("titan.evt.order.placed", nil, json.RawMessage(`{}`))
	require.NoError(t, err)

	select {
	case rec := <-dlqReceived:
		assert.Equal(t, DLQSubject("orders", "titan.evt.order.placed"), rec.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("expected record on DLQ subject")
	}
}

func TestDLQSubjectFormat(t *testing.T) {
	assert.Equal(t, "titan.dlq.v1.orders.titan.evt.order.placed", DLQSubject("orders", "titan.evt.order.placed"))
}

func TestRecoverReplaysPersistedRecordsAndPreservesSequence(t *testing.T) {
	dir := t.TempDir()

	sp1 := New(dir)
	require.NoError(t, sp1.Declare(testSpec()))
	_, err := sp1.Publish("titan.evt.order.placed", nil, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = sp1.Publish("titan.evt.order.placed", nil, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	sp2 := New(dir)
	require.NoError(t, sp2.Declare(testSpec()))
	seq, err := sp2.Publish("titan.evt.order.placed", nil, json.RawMessage(`{"n":3}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	logPath := filepath.Join(dir, "orders.log")
	assert.FileExists(t, logPath)
}

func TestHealthReportsPendingAndLag(t *testing.T) {
	sp := New("")
	require.NoError(t, sp.Declare(testSpec()))

	c, err := sp.Consumer("orders", "idle-consumer", "", time.Second, 3)
	require.NoError(t, err)
	_ = c

	_, err = sp.Publish("titan.evt.order.placed", nil, json.RawMessage(`{}`))
	require.NoError(t, err)

	health := sp.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "orders", health[0].Stream)
	assert.Equal(t, "idle-consumer", health[0].Consumer)
	// With no handler bound the record is queued, not yet delivered, so
	// nothing is pending and the consumer lags the head by one.
	assert.Equal(t, 0, health[0].Pending)
	assert.Equal(t, uint64(1), health[0].Lag)
}
