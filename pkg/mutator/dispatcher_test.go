package mutator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/3leaps/worklets/pkg/sequence"
	"github.com/3leaps/worklets/pkg/worklet"
)

const pumpTimeout = 2 * time.Second

type mockMutator struct {
	id       worklet.ID
	noOutput bool
	gate     chan struct{}

	mu     sync.Mutex
	inputs []*Input
}

func (m *mockMutator) WorkletID() worklet.ID { return m.id }

func (m *mockMutator) Mutate(in *Input) *Output {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()
	if m.noOutput {
		return nil
	}
	return &Output{}
}

func (m *mockMutator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func (m *mockMutator) Inputs() []*Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Input(nil), m.inputs...)
}

type countingClient struct {
	mu      sync.Mutex
	updates int
}

func (c *countingClient) SetMutationUpdate(*Output) {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
}

func (c *countingClient) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

// testInput targets animation 1 of worklet 11 and animation 2 of worklet 22.
func testInput() *DispatcherInput {
	in := NewDispatcherInput()
	in.Add(AnimationState{ID: AnimationID{WorkletID: 11, Animation: 1}, Name: "test1", CurrentTime: 5 * time.Second})
	in.Add(AnimationState{ID: AnimationID{WorkletID: 22, Animation: 2}, Name: "test2", CurrentTime: 5 * time.Second})
	return in
}

func newWorker(t *testing.T, name string) *sequence.Sequence {
	t.Helper()
	s := sequence.New(name)
	t.Cleanup(s.Shutdown)
	return s
}

func TestMutateSynchronously_OnlyOwnInputReachesMutator(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	m := &mockMutator{id: 11}
	d.Register(ctx, m, newWorker(t, "first"))

	assert.Equal(t, StatusCompletedWithUpdate, d.MutateSynchronously(ctx, testInput()))

	inputs := m.Inputs()
	require.Len(t, inputs, 1)
	require.Len(t, inputs[0].Added, 1)
	assert.Equal(t, 1, inputs[0].Added[0].ID.Animation)
	assert.Equal(t, 1, client.Updates())
}

func TestMutateSynchronously_NoInputForMutator(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	m := &mockMutator{id: 11}
	d.Register(ctx, m, newWorker(t, "first"))

	in := NewDispatcherInput()
	in.Add(AnimationState{ID: AnimationID{WorkletID: 22, Animation: 2}, Name: "test2"})

	assert.Equal(t, StatusCompletedNoUpdate, d.MutateSynchronously(ctx, in))
	assert.Equal(t, 0, m.Calls())
	assert.Equal(t, 0, client.Updates())
}

func TestMutateSynchronously_NoRegisteredMutators(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)

	assert.Equal(t, StatusCompletedNoUpdate, d.MutateSynchronously(owner.Context(), NewDispatcherInput()))
	assert.Equal(t, 0, client.Updates())
	assert.False(t, d.HasMutators(owner.Context()))
}

func TestMutateSynchronously_NilOutputIsNotApplied(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	m := &mockMutator{id: 11, noOutput: true}
	d.Register(ctx, m, newWorker(t, "first"))

	assert.Equal(t, StatusCompletedNoUpdate, d.MutateSynchronously(ctx, testInput()))
	assert.Equal(t, 1, m.Calls())
	assert.Equal(t, 0, client.Updates())
}

func TestMutateSynchronously_UnregisterStopsMutation(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	first := &mockMutator{id: 11}
	second := &mockMutator{id: 22}
	d.Register(ctx, first, newWorker(t, "first"))
	d.Register(ctx, second, newWorker(t, "second"))

	d.MutateSynchronously(ctx, testInput())
	assert.Equal(t, 2, client.Updates())

	d.Unregister(ctx, 11)
	d.MutateSynchronously(ctx, testInput())
	assert.Equal(t, 1, first.Calls())
	assert.Equal(t, 2, second.Calls())
	assert.Equal(t, 3, client.Updates())
}

func TestMutateSynchronously_TwoMutatorsOnSameRunner(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	shared := newWorker(t, "shared")
	d.Register(ctx, &mockMutator{id: 11}, shared)
	d.Register(ctx, &mockMutator{id: 22}, shared)

	d.MutateSynchronously(ctx, testInput())
	assert.Equal(t, 2, client.Updates())
}

func TestMutateSynchronously_DeadRunnerDoesNotHang(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	gone := sequence.New("gone")
	d.Register(ctx, &mockMutator{id: 11}, gone)
	gone.Shutdown()

	assert.Equal(t, StatusCompletedNoUpdate, d.MutateSynchronously(ctx, testInput()))
	assert.Equal(t, 0, client.Updates())
}

func TestMutateSynchronously_ContextEndsWait(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)

	m := &mockMutator{id: 11, gate: make(chan struct{})}
	d.Register(owner.Context(), m, newWorker(t, "blocked"))
	t.Cleanup(func() { close(m.gate) })

	ctx, cancel := context.WithTimeout(owner.Context(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, StatusCanceled, d.MutateSynchronously(ctx, testInput()))
}

type statusLog struct {
	got []Status
}

func (s *statusLog) record(st Status) { s.got = append(s.got, st) }

func TestMutateAsynchronously_SingleMutator(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()
	d.Register(ctx, &mockMutator{id: 11}, newWorker(t, "first"))

	var log statusLog
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, log.record))
	assert.True(t, d.HasOngoingMutation(ctx))

	require.True(t, owner.RunUntil(func() bool { return len(log.got) == 1 }, pumpTimeout))
	assert.Equal(t, []Status{StatusCompletedWithUpdate}, log.got)
	assert.Equal(t, 1, client.Updates())
	assert.False(t, d.HasOngoingMutation(ctx))
}

func TestMutateAsynchronously_RefusedWithoutTargets(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()
	notReached := func(Status) { t.Fatal("callback must not run") }

	assert.False(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, notReached))

	d.Register(ctx, &mockMutator{id: 33}, newWorker(t, "first"))
	assert.False(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, notReached))
	assert.Equal(t, 0, owner.RunPending())
}

func TestMutateAsynchronously_NilOutput(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()
	d.Register(ctx, &mockMutator{id: 11, noOutput: true}, newWorker(t, "first"))

	var log statusLog
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, log.record))
	require.True(t, owner.RunUntil(func() bool { return len(log.got) == 1 }, pumpTimeout))
	assert.Equal(t, []Status{StatusCompletedNoUpdate}, log.got)
	assert.Equal(t, 0, client.Updates())
}

func TestMutateAsynchronously_DroppedWhenBusy(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	m := &mockMutator{id: 11, gate: make(chan struct{})}
	d.Register(ctx, m, newWorker(t, "first"))

	var log statusLog
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, log.record))
	assert.False(t, d.MutateAsynchronously(ctx, testInput(), QueueDrop, func(Status) { t.Fatal("dropped request completed") }))
	close(m.gate)

	require.True(t, owner.RunUntil(func() bool { return len(log.got) == 1 }, pumpTimeout))
	assert.Equal(t, 1, m.Calls())
	assert.Equal(t, 1, client.Updates())
}

func TestMutateAsynchronously_QueuedWhenBusy(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	m := &mockMutator{id: 11, gate: make(chan struct{})}
	d.Register(ctx, m, newWorker(t, "first"))

	var log statusLog
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, log.record))
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, log.record))
	close(m.gate)

	require.True(t, owner.RunUntil(func() bool { return len(log.got) == 2 }, pumpTimeout))
	assert.Equal(t, []Status{StatusCompletedWithUpdate, StatusCompletedWithUpdate}, log.got)
	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, 2, client.Updates())
}

func TestMutateAsynchronously_QueueWithReplacement(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	m := &mockMutator{id: 11, gate: make(chan struct{})}
	d.Register(ctx, m, newWorker(t, "first"))

	var first, second, third statusLog
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, first.record))
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, second.record))
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, third.record))
	assert.Equal(t, []Status{StatusCanceled}, second.got, "replaced request is canceled at once")
	close(m.gate)

	require.True(t, owner.RunUntil(func() bool { return len(third.got) == 1 }, pumpTimeout))
	assert.Equal(t, []Status{StatusCompletedWithUpdate}, first.got)
	assert.Equal(t, []Status{StatusCompletedWithUpdate}, third.got)
	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, 2, client.Updates())
}

func TestMutateAsynchronously_HighPriorityRunsFirst(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	m := &mockMutator{id: 11, gate: make(chan struct{})}
	d.Register(ctx, m, newWorker(t, "first"))

	var order []string
	tag := func(name string) DoneFunc {
		return func(st Status) {
			assert.Equal(t, StatusCompletedWithUpdate, st)
			order = append(order, name)
		}
	}
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, tag("first")))
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, tag("normal")))
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueHighPriority, tag("high")))
	close(m.gate)

	require.True(t, owner.RunUntil(func() bool { return len(order) == 3 }, pumpTimeout))
	assert.Equal(t, []string{"first", "high", "normal"}, order)
	assert.Equal(t, 3, client.Updates())
}

func TestMutateAsynchronously_HighPrioritySlotHoldsOne(t *testing.T) {
	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client)
	ctx := owner.Context()

	m := &mockMutator{id: 11, gate: make(chan struct{})}
	d.Register(ctx, m, newWorker(t, "first"))

	var order []string
	var canceled []string
	tag := func(name string) DoneFunc {
		return func(st Status) {
			if st == StatusCanceled {
				canceled = append(canceled, name)
				return
			}
			order = append(order, name)
		}
	}
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, tag("first")))
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, tag("normal")))
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueHighPriority, tag("high-1")))
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueHighPriority, tag("high-2")))
	assert.Equal(t, []string{"high-1"}, canceled)
	close(m.gate)

	require.True(t, owner.RunUntil(func() bool { return len(order) == 3 }, pumpTimeout))
	assert.Equal(t, []string{"first", "high-2", "normal"}, order)
	assert.Equal(t, 3, m.Calls())
}

func TestMutateAsynchronously_RecordsDurationFromPreservedStart(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	owner := sequence.NewManual("compositor")
	client := &countingClient{}
	d := New(owner, client, WithMeter(provider.Meter("test")), WithClock(clock))
	ctx := owner.Context()

	m := &mockMutator{id: 11, gate: make(chan struct{})}
	d.Register(ctx, m, newWorker(t, "first"))

	var log statusLog
	step := 10 * time.Millisecond

	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueHighPriority, log.record))
	now = now.Add(step)
	// Replaced by the next request; its start time carries over.
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, log.record))
	now = now.Add(step)
	require.True(t, d.MutateAsynchronously(ctx, testInput(), QueueAndReplaceNormalPriority, log.record))
	now = now.Add(step)

	close(m.gate)
	require.True(t, owner.RunUntil(func() bool { return len(log.got) == 3 }, pumpTimeout))
	assert.Equal(t, []Status{StatusCanceled, StatusCompletedWithUpdate, StatusCompletedWithUpdate}, log.got)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	got := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, MetricAsyncDuration, got.Name)
	hist, ok := got.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)

	dp := hist.DataPoints[0]
	assert.Equal(t, uint64(2), dp.Count)
	assert.Equal(t, int64(50000), dp.Sum)
	minV, _ := dp.Min.Value()
	maxV, _ := dp.Max.Value()
	assert.Equal(t, int64(20000), minV)
	assert.Equal(t, int64(30000), maxV)
}

func TestDispatcher_ContractViolationsPanic(t *testing.T) {
	owner := sequence.NewManual("compositor")
	d := New(owner, &countingClient{})
	ctx := owner.Context()
	worker := newWorker(t, "first")

	d.Register(ctx, &mockMutator{id: 11}, worker)
	assert.Panics(t, func() { d.Register(ctx, &mockMutator{id: 11}, worker) })
	assert.Panics(t, func() { d.Unregister(ctx, 99) })
	assert.Panics(t, func() { d.MutateAsynchronously(ctx, testInput(), QueueDrop, nil) })
	assert.Panics(t, func() { d.HasMutators(context.Background()) })
	assert.Panics(t, func() { New(owner, nil) })
}

func TestDispatcherInput_SplitsByWorklet(t *testing.T) {
	in := NewDispatcherInput()
	in.Update(AnimationState{ID: AnimationID{WorkletID: 2, Animation: 1}})
	in.Remove(AnimationID{WorkletID: 1, Animation: 9})

	assert.Equal(t, []worklet.ID{1, 2}, in.WorkletIDs())
	assert.Len(t, in.For(2).Updated, 1)
	assert.Len(t, in.For(1).Removed, 1)
	assert.Nil(t, in.For(3))

	var nilInput *DispatcherInput
	assert.Nil(t, nilInput.For(1))
	assert.Empty(t, nilInput.WorkletIDs())
}

func TestOutput_LocalTime(t *testing.T) {
	id := AnimationID{WorkletID: 1, Animation: 2}
	out := &Output{Animations: []AnimationOutput{{ID: id, LocalTimes: []time.Duration{time.Second}}}}

	lt, ok := out.LocalTime(id)
	assert.True(t, ok)
	assert.Equal(t, time.Second, lt)

	_, ok = out.LocalTime(AnimationID{WorkletID: 1, Animation: 3})
	assert.False(t, ok)

	var nilOut *Output
	_, ok = nilOut.LocalTime(id)
	assert.False(t, ok)
}
