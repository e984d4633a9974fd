package agent

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/sigauth"
)

// JobState is a job's position in its escrow lifecycle.
type JobState uint8

const (
	JobCreated JobState = iota
	JobFunded
	JobCompleted
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "Created"
	case JobFunded:
		return "Funded"
	case JobCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("JobState(%d)", uint8(s))
	}
}

// Job is one escrowed work order between a consumer and an agent.
type Job struct {
	Address         common.Address `json:"address"`
	Agent           common.Address `json:"agent"`
	Consumer        common.Address `json:"consumer"`
	Price           *uint256.Int   `json:"price"`
	State           JobState       `json:"state"`
	EscrowedBalance *uint256.Int   `json:"escrowedBalance"`
	CreatedHeight   uint64         `json:"createdHeight"`
	FundedAt        *time.Time     `json:"fundedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

func jobKey(addr common.Address) string { return ledger.Key("job", addr.Hex()) }

// JobPrefix is the key prefix under which all jobs are stored.
var JobPrefix = ledger.Prefix("job")

// GetJob loads a job.
func GetJob(r ledger.Reader, addr common.Address) (*Job, error) {
	var j Job
	ok, err := ledger.GetJSON(r, jobKey(addr), &j)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, addr.Hex())
	}
	if j.Price == nil {
		j.Price = new(uint256.Int)
	}
	if j.EscrowedBalance == nil {
		j.EscrowedBalance = new(uint256.Int)
	}
	return &j, nil
}

// ListJobs returns every job accepted by filter, in key order.
func ListJobs(r ledger.Reader, filter func(*Job) bool) ([]*Job, error) {
	var out []*Job
	for _, k := range r.Keys(JobPrefix) {
		var j Job
		if _, err := ledger.GetJSON(r, k, &j); err != nil {
			return nil, err
		}
		if j.EscrowedBalance == nil {
			j.EscrowedBalance = new(uint256.Int)
		}
		if filter == nil || filter(&j) {
			out = append(out, &j)
		}
	}
	return out, nil
}

func saveJob(tx *ledger.Tx, j *Job) error {
	return ledger.PutJSON(tx, jobKey(j.Address), j)
}

// CreateJob opens a job on agentAddr for the caller at the agent's current
// price. The agent's own state is unchanged; an agent may have many open jobs.
func (p *Protocol) CreateJob(tx *ledger.Tx, agentAddr common.Address) (common.Address, error) {
	a, err := GetAgent(tx, agentAddr)
	if err != nil {
		return common.Address{}, err
	}
	j := &Job{
		Address:         tx.CreateAddress(agentAddr),
		Agent:           agentAddr,
		Consumer:        tx.Caller(),
		Price:           a.Price.Clone(),
		State:           JobCreated,
		EscrowedBalance: new(uint256.Int),
		CreatedHeight:   tx.Height(),
	}
	if err := saveJob(tx, j); err != nil {
		return common.Address{}, err
	}
	tx.Emit(EventJobCreated, j.Address, map[string]string{
		"job":      j.Address.Hex(),
		"agent":    agentAddr.Hex(),
		"consumer": j.Consumer.Hex(),
		"price":    j.Price.Dec(),
	})
	return j.Address, nil
}

// FundJob pulls the job price from the caller into escrow. The caller must
// have approved the job's address to spend at least the price.
func (p *Protocol) FundJob(tx *ledger.Tx, jobAddr common.Address) error {
	j, err := GetJob(tx, jobAddr)
	if err != nil {
		return err
	}
	if j.State != JobCreated {
		return fmt.Errorf("%w: job %s is %s, want Created", ErrInvalidJobState, jobAddr.Hex(), j.State)
	}

	if err := p.tokens.TransferFrom(tx, j.Address, tx.Caller(), j.Address, j.Price); err != nil {
		return fmt.Errorf("fund job %s: %w", jobAddr.Hex(), err)
	}

	now := tx.Time()
	j.EscrowedBalance = j.Price.Clone()
	j.State = JobFunded
	j.FundedAt = &now
	if err := saveJob(tx, j); err != nil {
		return err
	}
	tx.Emit(EventJobFunded, j.Address, map[string]string{
		"job":    j.Address.Hex(),
		"agent":  j.Agent.Hex(),
		"funder": tx.Caller().Hex(),
		"amount": j.Price.Dec(),
	})
	return nil
}

// ValidateJobInvocation reports whether sig is the job consumer's
// authorization for jobAddr on agentAddr. It never fails: unknown jobs,
// jobs of another agent and bad signatures all report false.
func (p *Protocol) ValidateJobInvocation(r ledger.Reader, agentAddr, jobAddr common.Address, sig sigauth.Signature) bool {
	j, err := GetJob(r, jobAddr)
	if err != nil || j.Agent != agentAddr {
		return false
	}
	return sigauth.VerifyJobInvocation(p.recoverer, jobAddr, sig, j.Consumer)
}

// CompleteJob releases the escrow of jobAddr to the agent's current owner.
// Only the owner may call it, and only with the consumer's signature over the
// job address; the job must be Funded.
func (p *Protocol) CompleteJob(tx *ledger.Tx, agentAddr, jobAddr common.Address, sig sigauth.Signature) error {
	a, err := GetAgent(tx, agentAddr)
	if err != nil {
		return err
	}
	if tx.Caller() != a.Owner {
		return fmt.Errorf("%w: only the owner of agent %s may complete its jobs", ErrUnauthorized, agentAddr.Hex())
	}

	j, err := GetJob(tx, jobAddr)
	if err != nil {
		return err
	}
	if j.Agent != agentAddr {
		return fmt.Errorf("%w: job %s does not belong to agent %s", ErrNotFound, jobAddr.Hex(), agentAddr.Hex())
	}
	if !sigauth.VerifyJobInvocation(p.recoverer, jobAddr, sig, j.Consumer) {
		return fmt.Errorf("%w: signature does not recover to consumer %s", ErrInvalidSignature, j.Consumer.Hex())
	}

	return p.payout(tx, a, j)
}

// payout is the Funded -> Completed transition. It is reachable only through CompleteJob.
func (p *Protocol) payout(tx *ledger.Tx, a *Agent, j *Job) error {
	if j.State != JobFunded {
		return fmt.Errorf("%w: job %s is %s, want Funded", ErrInvalidJobState, j.Address.Hex(), j.State)
	}

	amount := j.EscrowedBalance.Clone()
	if err := p.tokens.Transfer(tx, j.Address, a.Owner, amount); err != nil {
		return fmt.Errorf("pay out job %s: %w", j.Address.Hex(), err)
	}

	now := tx.Time()
	j.EscrowedBalance = new(uint256.Int)
	j.State = JobCompleted
	j.CompletedAt = &now
	if err := saveJob(tx, j); err != nil {
		return err
	}
	tx.Emit(EventJobCompleted, j.Address, map[string]string{
		"job":    j.Address.Hex(),
		"agent":  a.Address.Hex(),
		"payee":  a.Owner.Hex(),
		"amount": amount.Dec(),
	})
	return nil
}
