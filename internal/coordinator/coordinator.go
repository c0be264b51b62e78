// Package coordinator implements the top-level cross-chain job state
// machine described in spec.md section 4.8: request-chain ingress,
// election, relay-or-watch, common-chain egress, and response relay
// back to the request chain.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"go.uber.org/zap"

	"github.com/marlinprotocol/serverless-gateway/internal/elector"
	"github.com/marlinprotocol/serverless-gateway/internal/epoch"
	"github.com/marlinprotocol/serverless-gateway/internal/gwerrors"
	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
	"github.com/marlinprotocol/serverless-gateway/internal/jobtracker"
	"github.com/marlinprotocol/serverless-gateway/internal/metrics"
	"github.com/marlinprotocol/serverless-gateway/internal/signer"
)

// RequestRelayTimeout is REQUEST_RELAY_TIMEOUT (spec.md section 8/9).
const RequestRelayTimeout = 15 * time.Minute

// MaxGatewayRetries is MAX_GATEWAY_RETRIES.
const MaxGatewayRetries = 2

// CommonChainEgress is the capability the coordinator uses to submit
// signed relay/reassign/slash/response transactions to the common
// chain and request chains. Production wires this to chainclient.Client
// plus the relevant contract ABI encoder; tests use an in-memory fake.
type CommonChainEgress interface {
	SubmitRelay(ctx context.Context, job gwtypes.Job, sig signer.Signature) error
	SubmitSlash(ctx context.Context, job gwtypes.Job) error
	SubmitReassign(ctx context.Context, job gwtypes.Job, sig signer.Signature) error
	SubmitResponse(ctx context.Context, job gwtypes.Job, sig signer.Signature, output []byte, totalTime uint64, errorCode uint8) error
	// JobRelayedSince returns JobRelayed logs since startBlock, used by
	// the slash timer to check whether the elected peer actually relayed.
	JobRelayedSince(ctx context.Context, jobID uint64, startBlock uint64) ([]RelayedSighting, error)
}

// RelayedSighting is a decoded JobRelayed(jobId,...,gateway,...) log on
// the common chain, per spec.md section 4.8 "Slash timer".
type RelayedSighting struct {
	JobID    uint64
	JobOwner common.Address
	Gateway  common.Address
}

// Coordinator runs the per-job state machine.
type Coordinator struct {
	self     common.Address
	epochs   *epoch.State
	elect    *elector.Elector
	tracker  *jobtracker.Tracker
	egress   CommonChainEgress
	signer   *signer.Signer
	logger   log.Logger
	zlog     *zap.Logger
	metrics  *metrics.Coordinator
	nowUnix  func() uint64
	slashTimeout time.Duration
	genesis  uint64
	interval uint64
}

// New builds a Coordinator. genesis/interval parameterize the epoch
// index formula (spec.md section 3) the coordinator uses to compute a
// job's cycle and the current cycle.
func New(self common.Address, epochs *epoch.State, elect *elector.Elector, tracker *jobtracker.Tracker, egress CommonChainEgress, s *signer.Signer, zlog *zap.Logger, m *metrics.Coordinator, genesis, interval uint64) *Coordinator {
	return &Coordinator{
		self:         self,
		epochs:       epochs,
		elect:        elect,
		tracker:      tracker,
		egress:       egress,
		signer:       s,
		logger:       log.New("component", "coordinator"),
		zlog:         zlog,
		metrics:      m,
		nowUnix:      func() uint64 { return uint64(time.Now().Unix()) },
		slashTimeout: RequestRelayTimeout,
		genesis:      genesis,
		interval:     interval,
	}
}

// Reingest implements epoch.Ingress and subscription.Ingress: both the
// epoch waitlist flush and the subscription scheduler hand jobs back to
// the coordinator through this single entrypoint, exactly like a fresh
// JobRelayed event (spec.md sections 4.4 step 4 and 4.7).
func (c *Coordinator) Reingest(job gwtypes.Job) {
	go c.HandleJobRelayed(context.Background(), job)
}

// Ingest is the request-chain ingress entrypoint: every JobRelayed
// event arriving on the ingress channel is handed off to its own
// goroutine so a Watching job's multi-minute slash timer never blocks
// the ingress loop (spec.md section 5 "no task holds a writer lock
// across a suspension point"; mirrors the Rust source's per-job
// task::spawn in job_placed_handler).
func (c *Coordinator) Ingest(job gwtypes.Job) {
	go c.HandleJobRelayed(context.Background(), job)
}

// HandleJobRelayed is the New -> Electing transition: elect a gateway
// for job and branch into Relaying (self elected), Watching (peer
// elected), or Waitlisted (no snapshot yet). Callers driving the live
// ingress channel should use Ingest instead so a Watching job's slash
// timer runs off the hot path; tests call this directly to assert
// synchronously on its outcome.
func (c *Coordinator) HandleJobRelayed(ctx context.Context, job gwtypes.Job) {
	genesis, offset, interval := c.epochGenesisParams()
	jobCycle := epoch.Index(job.StartTime, genesis, offset, interval)
	currentCycle := epoch.Index(c.nowUnix(), genesis, offset, interval)

	addr, err := c.elect.Elect(elector.Input{
		JobCycle:       jobCycle,
		CurrentCycle:   currentCycle,
		Seed:           job.StartTime,
		Skips:          job.SequenceNumber,
		RequestChainID: job.ID.RequestChainID,
	})

	switch {
	case errors.Is(err, gwerrors.ErrSnapshotUnavailable):
		c.epochs.Waitlist(jobCycle, job)
		if c.metrics != nil {
			c.metrics.WaitlistedJobs.Inc()
		}
		return
	case errors.Is(err, gwerrors.ErrJobTooOld):
		c.logger.Warn("dropping job, past retention window", "job", job.ID.JobID, "chain", job.ID.RequestChainID)
		return
	case errors.Is(err, gwerrors.ErrNoEligibleGateways):
		c.logger.Warn("dropping job, no eligible gateways", "job", job.ID.JobID, "chain", job.ID.RequestChainID)
		return
	case err != nil:
		c.logger.Error("elector failure", "job", job.ID.JobID, "err", err)
		return
	}

	job.GatewayAddress = addr
	job.HasGateway = true

	if addr == c.self {
		c.relay(ctx, job)
		return
	}
	c.watch(ctx, job, c.slashTimeout)
}

// relay is the Electing -> Relaying -> AwaitingResponse path: this
// enclave is the elected gateway, so it signs and submits the relay
// transaction and tracks the job as active.
func (c *Coordinator) relay(ctx context.Context, job gwtypes.Job) {
	job.Kind = gwtypes.KindRelay
	c.tracker.Insert(job)
	if c.metrics != nil {
		c.metrics.ElectedJobs.Inc()
	}
	if c.zlog != nil {
		c.zlog.Info("elected as relay gateway",
			zap.Uint64("job_id", job.ID.JobID),
			zap.Uint64("request_chain_id", job.ID.RequestChainID),
			zap.Uint8("sequence_number", job.SequenceNumber),
		)
	}

	sig, err := c.signer.SignRelayJob(signer.RelayJobFields{
		JobID:               job.ID.JobID,
		CodeHash:            job.CodeHash,
		CodeInput:           job.CodeInput,
		Deadline:            job.UserTimeout,
		JobRequestTimestamp: job.StartTime,
		SequenceID:          job.SequenceNumber,
		JobOwner:            job.JobOwner,
	})
	if err != nil {
		c.logger.Error("failed to sign relay job", "job", job.ID.JobID, "err", err)
		c.tracker.RemoveIfSeq(job.ID, job.SequenceNumber)
		return
	}

	if err := c.egress.SubmitRelay(ctx, job, sig); err != nil {
		// Submission/confirmation failure is logged and NOT retried
		// locally (spec.md section 4.8 "Transaction submission"); the
		// peer slash loop covers correctness.
		c.logger.Error("failed to submit relay transaction", "job", job.ID.JobID, "err", err)
	}
}

// watch is the Electing -> Watching path: another gateway was elected,
// so this enclave arms a slash timer instead of entering Active Jobs.
func (c *Coordinator) watch(ctx context.Context, job gwtypes.Job, timeout time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(timeout):
	}
	c.checkRelayAndMaybeSlash(ctx, job)
}

// checkRelayAndMaybeSlash implements spec.md section 4.8 "Slash timer":
// on expiry, query for a JobRelayed sighting; if absent, submit a Slash
// and, if retries remain, re-elect with a fresh epoch read.
func (c *Coordinator) checkRelayAndMaybeSlash(ctx context.Context, job gwtypes.Job) {
	sightings, err := c.egress.JobRelayedSince(ctx, job.ID.JobID, 0)
	if err != nil {
		c.logger.Error("failed to query JobRelayed logs for slash timer", "job", job.ID.JobID, "err", err)
		return
	}
	for _, s := range sightings {
		if s.JobID == job.ID.JobID && s.JobOwner == job.JobOwner &&
			s.Gateway != (common.Address{}) && s.Gateway != c.self {
			c.logger.Info("relay observed, standing down slash timer", "job", job.ID.JobID)
			return
		}
	}

	c.logger.Info("relay not observed, submitting slash", "job", job.ID.JobID, "gateway", job.GatewayAddress)
	job.Kind = gwtypes.KindSlash
	if err := c.egress.SubmitSlash(ctx, job); err != nil {
		c.logger.Error("failed to submit slash", "job", job.ID.JobID, "err", err)
	}
	if c.metrics != nil {
		c.metrics.SlashedJobs.Inc()
	}

	job.SequenceNumber++
	if job.SequenceNumber > MaxGatewayRetries {
		c.logger.Info("max retries reached, dropping job", "job", job.ID.JobID)
		return
	}
	job.HasGateway = false
	c.HandleJobRelayed(ctx, job)
}

// HandleJobResponded implements AwaitingResponse -> Responding ->
// Terminal: this enclave's active job received a response event from
// the common chain, so it signs and relays the response back to the
// request chain, then removes the job.
func (c *Coordinator) HandleJobResponded(ctx context.Context, jobID gwtypes.JobID, output []byte, totalTime uint64, errorCode uint8) {
	job, ok := c.tracker.Get(jobID)
	if !ok {
		return
	}

	sig, err := c.signer.SignJobResponse(signer.JobResponseFields{
		JobID:     job.ID.JobID,
		Output:    output,
		TotalTime: totalTime,
		ErrorCode: errorCode,
	}, job.Mode == gwtypes.ModeSubscription)
	if err != nil {
		c.logger.Error("failed to sign job response", "job", job.ID.JobID, "err", err)
		return
	}

	if err := c.egress.SubmitResponse(ctx, job, sig, output, totalTime, errorCode); err != nil {
		c.logger.Error("failed to submit response transaction", "job", job.ID.JobID, "err", err)
	}
	job.Kind = gwtypes.KindResponded
	c.tracker.RemoveIfSeq(jobID, job.SequenceNumber)
	if c.metrics != nil {
		c.metrics.RespondedJobs.Inc()
	}
}

// HandleJobResourceUnavailable implements AwaitingResponse -> Terminal
// (remove): the common chain reported the job can't be served.
func (c *Coordinator) HandleJobResourceUnavailable(jobID gwtypes.JobID) {
	c.tracker.Remove(jobID)
}

// HandleJobCancelled implements Cancelled -> Terminal (remove),
// idempotent per spec.md section 5 "Cancellation".
func (c *Coordinator) HandleJobCancelled(jobID gwtypes.JobID) {
	c.tracker.Remove(jobID)
}

// HandleGatewayReassigned implements AwaitingResponse -> Terminal
// (remove, seq must match): another gateway was reassigned this job,
// so this enclave's bookkeeping for it is removed, guarded by sequence
// number to avoid racing an in-flight retry.
func (c *Coordinator) HandleGatewayReassigned(jobID gwtypes.JobID, seq uint8) {
	c.tracker.RemoveIfSeq(jobID, seq)
}

// HandleJobRespondedByID resolves jobID against the tracker before
// delegating to HandleJobResponded. The common chain's JobResponded
// topic carries only the numeric job id (spec.md section 6), not the
// (job_id, request_chain_id) pair the tracker is keyed by.
func (c *Coordinator) HandleJobRespondedByID(ctx context.Context, jobID uint64, output []byte, totalTime uint64, errorCode uint8) {
	job, ok := c.tracker.FindByJobID(jobID)
	if !ok {
		return
	}
	c.HandleJobResponded(ctx, job.ID, output, totalTime, errorCode)
}

// HandleJobResourceUnavailableByID is HandleJobResourceUnavailable for
// a bare common-chain job id; see HandleJobRespondedByID.
func (c *Coordinator) HandleJobResourceUnavailableByID(jobID uint64) {
	job, ok := c.tracker.FindByJobID(jobID)
	if !ok {
		return
	}
	c.HandleJobResourceUnavailable(job.ID)
}

// HandleGatewayReassignedByID is HandleGatewayReassigned for a bare
// common-chain job id; see HandleJobRespondedByID.
func (c *Coordinator) HandleGatewayReassignedByID(jobID uint64, seq uint8) {
	job, ok := c.tracker.FindByJobID(jobID)
	if !ok {
		return
	}
	c.HandleGatewayReassigned(job.ID, seq)
}

// epochGenesisParams returns the (genesis, offset, interval) triple
// used for epoch-index math. A thin accessor kept so it can later read
// from live config without every call site changing.
func (c *Coordinator) epochGenesisParams() (genesis, offset, interval uint64) {
	return c.genesis, epoch.OffsetSeconds, c.interval
}
