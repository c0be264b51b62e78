// Package subscription implements the recurring subscription-job
// scheduler described in spec.md section 4.7: an unordered map of
// subscription templates and a min-heap of next-trigger times. The
// historic-replay fast-forward is carried from
// original_source/src/job_subscription_management.rs.
package subscription

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/marlinprotocol/serverless-gateway/internal/epoch"
	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
)

// heapEntry is one (subscription_id, next_trigger_time) pair. Staleness
// is tolerated deliberately (spec.md section 9): entries are
// re-validated against the subscription map at pop time rather than
// repaired when a subscription's parameters change.
type heapEntry struct {
	subscriptionID uint64
	nextTrigger    uint64
	index          int
}

type triggerHeap []*heapEntry

func (h triggerHeap) Len() int            { return len(h) }
func (h triggerHeap) Less(i, j int) bool  { return h[i].nextTrigger < h[j].nextTrigger }
func (h triggerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *triggerHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *triggerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Ingress is the coordinator entrypoint a materialized subscription
// instance is handed to.
type Ingress interface {
	Reingest(job gwtypes.Job)
}

// ControlKind enumerates the subscription control-channel actions of
// spec.md section 4.7.
type ControlKind uint8

const (
	ControlAdd ControlKind = iota
	ControlUpdateParams
	ControlUpdateTermination
)

// Control is one action sent on the scheduler's bounded control channel.
type Control struct {
	Kind            ControlKind
	Subscription    gwtypes.SubscriptionJob // for ControlAdd
	SubscriptionID  uint64                  // for updates
	TxHash          common.Hash
	CodeHash        common.Hash
	CodeInput       []byte
	TerminationTime uint64
}

// Scheduler owns the subscription map and the trigger heap.
type Scheduler struct {
	mu      sync.Mutex
	subs    map[uint64]*gwtypes.SubscriptionJob
	h       triggerHeap
	ingress Ingress
	control chan Control
	logger  log.Logger
	nowFn   func() uint64
}

// New builds a scheduler. nowFn defaults to the wall clock; tests
// inject a deterministic clock.
func New(ingress Ingress, nowFn func() uint64) *Scheduler {
	if nowFn == nil {
		nowFn = func() uint64 { return uint64(time.Now().Unix()) }
	}
	return &Scheduler{
		subs:    map[uint64]*gwtypes.SubscriptionJob{},
		ingress: ingress,
		control: make(chan Control, 64),
		logger:  log.New("component", "subscription-scheduler"),
		nowFn:   nowFn,
	}
}

// Control returns the bounded control channel producers send Add/Update
// actions on.
func (s *Scheduler) Control() chan<- Control { return s.control }

// minViableTimestamp is now - (W+1)*interval - offset, the cutoff below
// which a subscription's first instance is skipped rather than fired
// immediately on admission (spec.md section 4.7 step 3).
func minViableTimestamp(now, interval uint64) uint64 {
	span := (epoch.Window + 1) * interval
	if now < span+epoch.OffsetSeconds {
		return 0
	}
	return now - span - epoch.OffsetSeconds
}

// Admit handles a SubscriptionStarted event, per spec.md section 4.7.
func (s *Scheduler) Admit(sub gwtypes.SubscriptionJob) {
	now := s.nowFn()
	if sub.TerminationTime < now {
		s.logger.Info("rejecting already-terminated subscription", "subscription", sub.SubscriptionID)
		return
	}

	s.mu.Lock()
	s.subs[sub.SubscriptionID] = &sub
	s.mu.Unlock()

	minViable := minViableTimestamp(now, sub.Interval)
	firstTrigger := sub.StartTime
	if sub.StartTime < minViable {
		// Historic replay: fast-forward to the first instance that is
		// still viable rather than firing every missed instance.
		firstTrigger = fastForward(sub.StartTime, sub.Interval, minViable)
		s.logger.Info("fast-forwarding historic subscription", "subscription", sub.SubscriptionID, "from", sub.StartTime, "to", firstTrigger)
	}

	s.pushHeap(sub.SubscriptionID, firstTrigger)
}

// fastForward returns the smallest trigger time >= minViable on the
// start+k*interval grid.
func fastForward(start, interval, minViable uint64) uint64 {
	if interval == 0 || start >= minViable {
		return start
	}
	k := (minViable - start) / interval
	t := start + k*interval
	if t < minViable {
		t += interval
	}
	return t
}

func (s *Scheduler) pushHeap(subID, trigger uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.h, &heapEntry{subscriptionID: subID, nextTrigger: trigger})
}

func (s *Scheduler) peekTrigger() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return 0, false
	}
	return s.h[0].nextTrigger, true
}

func (s *Scheduler) popHeap() (*heapEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return nil, false
	}
	return heap.Pop(&s.h).(*heapEntry), true
}

// Run is the tick loop of spec.md section 4.7: wait for either a
// control message or the next scheduled trigger, whichever is sooner.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		var wait <-chan time.Time
		if trigger, ok := s.peekTrigger(); ok {
			now := s.nowFn()
			if trigger <= now {
				wait = time.After(0)
			} else {
				wait = time.After(time.Duration(trigger-now) * time.Second)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ctl := <-s.control:
			s.handleControl(ctl)
		case <-wait:
			s.fire()
		}
	}
}

func (s *Scheduler) handleControl(ctl Control) {
	switch ctl.Kind {
	case ControlAdd:
		s.Admit(ctl.Subscription)
	case ControlUpdateParams:
		s.mu.Lock()
		if sub, ok := s.subs[ctl.SubscriptionID]; ok {
			sub.TxHash = ctl.TxHash
			sub.CodeHash = ctl.CodeHash
			sub.CodeInput = ctl.CodeInput
		}
		s.mu.Unlock()
	case ControlUpdateTermination:
		s.mu.Lock()
		if sub, ok := s.subs[ctl.SubscriptionID]; ok {
			sub.TerminationTime = ctl.TerminationTime
		}
		s.mu.Unlock()
	}
}

// fire pops the top heap entry and, if its subscription is still live,
// materializes and hands off one instance, then schedules the next trigger.
func (s *Scheduler) fire() {
	entry, ok := s.popHeap()
	if !ok {
		return
	}

	s.mu.Lock()
	sub, live := s.subs[entry.subscriptionID]
	s.mu.Unlock()
	if !live {
		// Stale entry for a subscription that was terminated/cancelled.
		return
	}

	triggerTS := entry.nextTrigger
	if triggerTS > sub.TerminationTime {
		s.mu.Lock()
		delete(s.subs, entry.subscriptionID)
		s.mu.Unlock()
		return
	}

	job := sub.InstanceJob(triggerTS)
	s.ingress.Reingest(job)

	next := triggerTS + sub.Interval
	if next > sub.TerminationTime {
		s.mu.Lock()
		delete(s.subs, entry.subscriptionID)
		s.mu.Unlock()
		return
	}
	s.pushHeap(entry.subscriptionID, next)
}

// Has reports whether subscriptionID is still tracked, for tests.
func (s *Scheduler) Has(subscriptionID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[subscriptionID]
	return ok
}
