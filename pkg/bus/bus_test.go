package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/replaybus/errs"
	"github.com/coachpo/replaybus/internal/telemetry"
	"github.com/coachpo/replaybus/pkg/message"
	"github.com/coachpo/replaybus/pkg/stream"
)

func intMessage(id string, v int) message.Message {
	return message.New(id, message.Payload{message.KeyInt: message.Int(v)})
}

func TestPostDeliversToEverySubscriberOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var first, second recorder[message.Message]
	h.bus.All().Subscribe(first.observer("first"))
	h.bus.All().Subscribe(second.observer("second"))
	require.Equal(t, 2, h.bus.Core().Len())

	posted := []message.Message{intMessage("a", 1), intMessage("b", 2), intMessage("a", 3)}
	for _, msg := range posted {
		require.NoError(t, h.bus.Post(ctx, msg))
	}

	require.Equal(t, posted, first.snapshot())
	require.Equal(t, posted, second.snapshot())
	require.EqualValues(t, 3, h.sum(t, "bus.messages.published"))
}

func TestMessagesIsolatesIdentifiers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var got recorder[message.Message]
	h.bus.Messages("abcd").Subscribe(got.observer("abcd"))

	require.NoError(t, h.bus.PostInt(ctx, "other", 1))
	require.NoError(t, h.bus.PostInt(ctx, "abcd", 2))
	require.NoError(t, h.bus.PostInt(ctx, "abcde", 3))

	require.Equal(t, []message.Message{intMessage("abcd", 2)}, got.snapshot())
}

func TestTypedRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ints recorder[int]
	var strs recorder[string]
	var bools recorder[bool]
	h.bus.Ints("abcd").Subscribe(ints.observer("ints"))
	h.bus.Strings("abcd").Subscribe(strs.observer("strings"))
	h.bus.Bools("abcd").Subscribe(bools.observer("bools"))

	require.NoError(t, h.bus.PostInt(ctx, "abcd", 1234))
	require.NoError(t, h.bus.PostString(ctx, "abcd", "hello"))
	require.NoError(t, h.bus.PostBool(ctx, "abcd", true))
	require.NoError(t, h.bus.PostInt(ctx, "wxyz", 99))

	require.Equal(t, []int{1234}, ints.snapshot())
	require.Equal(t, []string{"hello"}, strs.snapshot())
	require.Equal(t, []bool{true}, bools.snapshot())
}

func TestTypedMismatchTerminatesOnlyOffendingSubscriber(t *testing.T) {
	var handled []Failure
	var mu sync.Mutex
	h := newHarness(t, WithFailureHandler(func(f Failure) {
		mu.Lock()
		handled = append(handled, f)
		mu.Unlock()
	}))
	ctx := context.Background()

	var withHandler, withoutHandler recorder[int]
	var raw recorder[message.Message]
	sub := h.bus.Ints("abcd").Subscribe(withHandler.withError("strict"))
	silent := h.bus.Ints("abcd").Subscribe(withoutHandler.observer("silent"))
	h.bus.Messages("abcd").Subscribe(raw.observer("raw"))

	require.NoError(t, h.bus.PostInt(ctx, "abcd", 1))
	require.NoError(t, h.bus.PostPayload(ctx, "abcd", message.Payload{message.KeyInt: message.String("one")}))
	require.NoError(t, h.bus.PostInt(ctx, "abcd", 2))

	require.Equal(t, []int{1}, withHandler.snapshot())
	require.Equal(t, []int{1}, withoutHandler.snapshot())
	require.Len(t, raw.snapshot(), 3)

	require.True(t, errs.Is(withHandler.failure(), errs.CodeTypeMismatch))
	var e *errs.E
	require.ErrorAs(t, withHandler.failure(), &e)
	require.Equal(t, message.KeyInt, e.Key)
	<-sub.Done()
	<-silent.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handled, 1)
	require.Equal(t, "silent", handled[0].Consumer)
	require.True(t, errs.Is(handled[0].Err, errs.CodeSubscriberFailure))
	require.True(t, errs.Is(handled[0].Err, errs.CodeTypeMismatch))
	require.Equal(t, 1, h.bus.DeadLetters().Len())
}

func TestReplayThenLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bus.Replay("i")
	require.True(t, h.bus.HasReplay("i"))
	require.NoError(t, h.bus.Post(ctx, intMessage("i", 1)))

	var got recorder[message.Message]
	h.bus.Replay("i").Subscribe(got.observer("late"))
	require.Equal(t, []message.Message{intMessage("i", 1)}, got.snapshot())

	require.NoError(t, h.bus.Post(ctx, intMessage("i", 2)))
	require.Equal(t, []message.Message{intMessage("i", 1), intMessage("i", 2)}, got.snapshot())
}

func TestReplayRetainsOnlyMostRecent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bus.Replay("i")
	require.NoError(t, h.bus.PostInt(ctx, "i", 1))
	require.NoError(t, h.bus.PostInt(ctx, "i", 2))

	var got recorder[int]
	h.bus.ReplayInts("i").Subscribe(got.observer("late"))
	require.Equal(t, []int{2}, got.snapshot())
}

func TestReplayIgnoresPostsBeforeSlotExists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.False(t, h.bus.HasReplay("i"))
	require.NoError(t, h.bus.PostInt(ctx, "i", 1))

	var got recorder[int]
	h.bus.ReplayInts("i").Subscribe(got.observer("late"))
	require.Empty(t, got.snapshot())

	require.NoError(t, h.bus.PostInt(ctx, "i", 2))
	require.Equal(t, []int{2}, got.snapshot())
}

func TestReplayCreatesOneSlotUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const callers = 32
	recorders := make([]*recorder[int], callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		recorders[i] = new(recorder[int])
		wg.Add(1)
		go func(r *recorder[int]) {
			defer wg.Done()
			<-start
			h.bus.ReplayInts("i").Subscribe(r.observer("joiner"))
		}(recorders[i])
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, h.bus.ReplayCache().Len())
	require.Equal(t, 1, h.bus.Core().Len())
	require.EqualValues(t, 1, h.sum(t, "bus.replay.slots"))

	for v := range 5 {
		require.NoError(t, h.bus.PostInt(ctx, "i", v))
	}
	for _, r := range recorders {
		require.Equal(t, []int{0, 1, 2, 3, 4}, r.snapshot())
	}
}

func TestReplayJoinersSeeContiguousSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const total = 200

	h.bus.Replay("seq")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := 1; v <= total; v++ {
			if err := h.bus.PostInt(ctx, "seq", v); err != nil {
				return
			}
		}
	}()

	var joiners []*recorder[int]
	for range 20 {
		r := new(recorder[int])
		h.bus.ReplayInts("seq").Subscribe(r.observer("joiner"))
		joiners = append(joiners, r)
		time.Sleep(50 * time.Microsecond)
	}
	<-done

	for _, r := range joiners {
		got := r.snapshot()
		if len(got) == 0 {
			continue
		}
		for i := 1; i < len(got); i++ {
			require.Equal(t, got[i-1]+1, got[i], "gap or reorder in %v", got)
		}
		require.Equal(t, total, got[len(got)-1])
	}
}

func TestReplaySlotsAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bus.Replay("i")
	h.bus.Replay("j")
	require.NoError(t, h.bus.PostInt(ctx, "i", 1))
	require.NoError(t, h.bus.PostInt(ctx, "j", 2))

	var gotI, gotJ recorder[int]
	h.bus.ReplayInts("i").Subscribe(gotI.observer("i"))
	h.bus.ReplayInts("j").Subscribe(gotJ.observer("j"))
	require.Equal(t, []int{1}, gotI.snapshot())
	require.Equal(t, []int{2}, gotJ.snapshot())

	retained, ok := h.bus.ReplayCache().Retained("i")
	require.True(t, ok)
	require.Equal(t, intMessage("i", 1), retained)
	_, ok = h.bus.ReplayCache().Retained("missing")
	require.False(t, ok)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var live recorder[int]
	var replayed recorder[int]
	liveSub := h.bus.Ints("i").Subscribe(live.observer("live"))
	replaySub := h.bus.ReplayInts("i").Subscribe(replayed.observer("replay"))

	require.NoError(t, h.bus.PostInt(ctx, "i", 1))
	liveSub.Unsubscribe()
	replaySub.Unsubscribe()
	replaySub.Unsubscribe()
	require.NoError(t, h.bus.PostInt(ctx, "i", 2))

	require.Equal(t, []int{1}, live.snapshot())
	require.Equal(t, []int{1}, replayed.snapshot())
	require.Equal(t, 0, slotSubscribers(h.bus, "i"))
	// The slot's own upstream stays connected.
	require.Equal(t, 1, h.bus.Core().Len())
	require.EqualValues(t, 1, h.sum(t, "bus.subscribers"))
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bus.All().Subscribe(stream.Observer[message.Message]{
		Name:   "broken",
		OnNext: func(message.Message) { panic("boom") },
	})
	var healthy recorder[message.Message]
	h.bus.All().Subscribe(healthy.observer("healthy"))

	for v := range 3 {
		require.NoError(t, h.bus.PostInt(ctx, "x", v))
	}

	require.Len(t, healthy.snapshot(), 3)
	failures := h.bus.DeadLetters().Drain()
	require.Len(t, failures, 3)
	for _, f := range failures {
		require.Equal(t, "broken", f.Consumer)
		require.True(t, errs.Is(f.Err, errs.CodeSubscriberFailure))
		require.False(t, f.At.IsZero())
	}
	require.EqualValues(t, 3, h.sum(t, "bus.delivery.failures"))
}

func TestReplaySubscriberPanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bus.Replay("r")
	require.NoError(t, h.bus.PostInt(ctx, "r", 1))

	var before, after recorder[int]
	h.bus.ReplayInts("r").Subscribe(before.observer("before"))
	broken := h.bus.Replay("r").Subscribe(stream.Observer[message.Message]{
		Name:   "broken",
		OnNext: func(message.Message) { panic("boom") },
	})
	h.bus.ReplayInts("r").Subscribe(after.observer("after"))
	require.Equal(t, 3, slotSubscribers(h.bus, "r"))

	require.NoError(t, h.bus.PostInt(ctx, "r", 2))

	require.Equal(t, []int{1, 2}, before.snapshot())
	require.Equal(t, []int{1, 2}, after.snapshot())
	last, err := h.bus.LastInt(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, 2, last)

	failures := h.bus.DeadLetters().Drain()
	require.Len(t, failures, 2)
	for _, f := range failures {
		require.Equal(t, "broken", f.Consumer)
		require.Equal(t, telemetry.StreamReplay, f.Stream)
		require.True(t, errs.Is(f.Err, errs.CodeSubscriberFailure))
	}

	broken.Unsubscribe()
	require.Equal(t, 2, slotSubscribers(h.bus, "r"))
}

func TestFailureHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, WithFailureHandler(func(Failure) { panic("handler") }))
	h.bus.All().Subscribe(stream.Func(func(message.Message) { panic("boom") }))
	require.NoError(t, h.bus.PostInt(context.Background(), "x", 1))
	require.Equal(t, 1, h.bus.DeadLetters().Len())
}

func TestCallbackMayPostBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var echoes recorder[int]
	h.bus.Ints("echo").Subscribe(echoes.observer("echoes"))
	h.bus.Ints("ping").Subscribe(stream.Func(func(v int) {
		require.NoError(t, h.bus.PostInt(ctx, "echo", v*10))
	}))

	require.NoError(t, h.bus.PostInt(ctx, "ping", 4))
	require.Equal(t, []int{40}, echoes.snapshot())
}

func TestLastReturnsRetainedValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bus.Replay("abcd")
	require.NoError(t, h.bus.PostInt(ctx, "abcd", 1234))
	require.NoError(t, h.bus.PostString(ctx, "abcd", "name"))

	msg, err := h.bus.Last(ctx, "abcd")
	require.NoError(t, err)
	require.True(t, msg.Has(message.KeyString))

	s, err := h.bus.LastString(ctx, "abcd")
	require.NoError(t, err)
	require.Equal(t, "name", s)
	require.Equal(t, 0, slotSubscribers(h.bus, "abcd"))
}

func TestLastWaitsForNextPost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result := make(chan bool, 1)
	go func() {
		v, err := h.bus.LastBool(ctx, "flag")
		if err != nil {
			close(result)
			return
		}
		result <- v
	}()
	require.Eventually(t, func() bool {
		return slotSubscribers(h.bus, "flag") == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, h.bus.PostInt(ctx, "flag", 1))
	require.NoError(t, h.bus.PostBool(ctx, "flag", true))
	v, ok := <-result
	require.True(t, ok)
	require.True(t, v)
}

func TestLastHonoursCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.bus.LastInt(ctx, "never")
	require.True(t, errs.Is(err, errs.CodeCanceled))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, h.bus.HasReplay("never"))
	require.Equal(t, 0, slotSubscribers(h.bus, "never"))
}

func TestLastReportsMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bus.Replay("abcd")
	require.NoError(t, h.bus.PostPayload(ctx, "abcd", message.Payload{message.KeyBool: message.Int(1)}))

	_, err := h.bus.LastBool(ctx, "abcd")
	require.True(t, errs.Is(err, errs.CodeTypeMismatch))
}

func TestPostMapDecodeBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var got recorder[message.Message]
	h.bus.All().Subscribe(got.observer("all"))

	err := h.bus.PostMap(ctx, "abcd", map[string]any{"price": 1.5})
	require.True(t, errs.Is(err, errs.CodeTypeMismatch))
	require.Empty(t, got.snapshot())

	require.NoError(t, h.bus.PostMap(ctx, "abcd", map[string]any{message.KeyInt: 7}))
	require.Len(t, got.snapshot(), 1)
}

func TestPostRejectsEmptyIdentifier(t *testing.T) {
	h := newHarness(t)
	err := h.bus.Post(context.Background(), message.Message{})
	require.True(t, errs.Is(err, errs.CodeInvalid))
	err = h.bus.PostInt(context.Background(), "  ", 1)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestPostAfterClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var got, replayed recorder[message.Message]
	sub := h.bus.All().Subscribe(got.observer("all"))
	replaySub := h.bus.Replay("i").Subscribe(replayed.observer("replay"))
	require.NoError(t, h.bus.PostInt(ctx, "i", 7))
	require.Len(t, replayed.snapshot(), 1)

	h.bus.Close()
	<-sub.Done()
	<-replaySub.Done()
	require.Equal(t, 0, h.bus.Core().Len())
	require.Equal(t, 0, slotSubscribers(h.bus, "i"))
	require.EqualValues(t, 0, h.sum(t, "bus.subscribers"))
	_, retained := h.bus.ReplayCache().Retained("i")
	require.False(t, retained)

	err := h.bus.PostInt(ctx, "i", 1)
	require.True(t, errs.Is(err, errs.CodeClosed))

	late := h.bus.All().Subscribe(got.observer("late"))
	<-late.Done()
	lateReplay := h.bus.Replay("i").Subscribe(replayed.observer("late-replay"))
	<-lateReplay.Done()
	require.Len(t, got.snapshot(), 1)
	require.Len(t, replayed.snapshot(), 1)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = h.bus.Last(waitCtx, "i")
	require.True(t, errs.Is(err, errs.CodeClosed))
	_, err = h.bus.LastInt(waitCtx, "fresh")
	require.True(t, errs.Is(err, errs.CodeClosed))
	require.False(t, h.bus.HasReplay("fresh"))
}

func TestDefaultIsSingleton(t *testing.T) {
	const callers = 16
	buses := make([]*Bus, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buses[i] = Default()
		}(i)
	}
	wg.Wait()
	for _, b := range buses {
		require.Same(t, buses[0], b)
	}

	var got recorder[int]
	sub := Default().ReplayInts("default-test").Subscribe(got.observer("default"))
	defer sub.Unsubscribe()
	require.NoError(t, Default().PostInt(context.Background(), "default-test", 5))
	require.Equal(t, []int{5}, got.snapshot())
}
