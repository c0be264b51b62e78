package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
)

type fakeIngress struct {
	mu   sync.Mutex
	jobs []gwtypes.Job
}

func (f *fakeIngress) Reingest(job gwtypes.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

func (f *fakeIngress) snapshot() []gwtypes.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gwtypes.Job{}, f.jobs...)
}

// TestSubscriptionLifecycleS5 exercises spec.md scenario S5 at a
// compressed real-time scale (1-second interval rather than 60s): the
// firings at t0, t0+I, t0+2I carry job ids sub+0, sub+1, sub+2 and
// sequence number 1. Termination t0+3I is inclusive, so a fourth firing
// at t0+3I may also arrive before the test stops the scheduler.
func TestSubscriptionLifecycleS5(t *testing.T) {
	ingress := &fakeIngress{}
	sched := New(ingress, nil)

	start := uint64(time.Now().Unix())
	sub := gwtypes.SubscriptionJob{
		SubscriptionID:  42,
		StartTime:       start,
		Interval:        1,
		TerminationTime: start + 3,
	}
	sched.Admit(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(ingress.snapshot()) >= 3 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	jobs := ingress.snapshot()
	require.GreaterOrEqual(t, len(jobs), 3)
	require.Equal(t, uint64(42), jobs[0].ID.JobID)
	require.Equal(t, uint64(43), jobs[1].ID.JobID)
	require.Equal(t, uint64(44), jobs[2].ID.JobID)
	for _, j := range jobs[:3] {
		require.Equal(t, uint8(1), j.SequenceNumber)
	}
}

// TestTriggerSetMatchesArithmeticGridP6 verifies property P6: the set
// of trigger timestamps equals {t0, t0+I, t0+2I, ...} intersected with
// (-inf, T].
func TestTriggerSetMatchesArithmeticGridP6(t *testing.T) {
	ingress := &fakeIngress{}
	sched := New(ingress, func() uint64 { return 100 })
	sched.Admit(gwtypes.SubscriptionJob{SubscriptionID: 1, StartTime: 100, Interval: 10, TerminationTime: 135})
	for {
		if _, ok := sched.peekTrigger(); !ok {
			break
		}
		sched.fire()
	}
	var triggers []uint64
	for _, j := range ingress.snapshot() {
		triggers = append(triggers, j.StartTime)
	}
	require.Equal(t, []uint64{100, 110, 120, 130}, triggers)
	require.False(t, sched.Has(1))
}

func TestUpdateParamsDoesNotTouchHeap(t *testing.T) {
	ingress := &fakeIngress{}
	sched := New(ingress, nil)
	now := uint64(time.Now().Unix())
	sched.Admit(gwtypes.SubscriptionJob{SubscriptionID: 7, StartTime: now + 100, Interval: 50, TerminationTime: now + 2000})

	sched.handleControl(Control{Kind: ControlUpdateParams, SubscriptionID: 7, CodeInput: []byte("new")})
	require.True(t, sched.Has(7))
	require.Equal(t, 1, sched.h.Len())
	trigger, ok := sched.peekTrigger()
	require.True(t, ok)
	require.Equal(t, now+100, trigger)
}

func TestAdmitRejectsAlreadyTerminated(t *testing.T) {
	ingress := &fakeIngress{}
	sched := New(ingress, nil)
	sched.Admit(gwtypes.SubscriptionJob{SubscriptionID: 9, StartTime: 1, Interval: 10, TerminationTime: 10})
	require.False(t, sched.Has(9))
}

func TestFastForwardSkipsStaleHistoricInstances(t *testing.T) {
	// start is far enough in the past that the first viable trigger is
	// not the original start time.
	ff := fastForward(0, 10, 1000)
	require.GreaterOrEqual(t, ff, uint64(1000))
	require.Equal(t, uint64(0), ff%10)
}
