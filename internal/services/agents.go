package services

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agent-market/agent-market/internal/agent"
	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/sigauth"
	"github.com/agent-market/agent-market/internal/telemetry"
	"github.com/agent-market/agent-market/internal/token"
)

// AgentView is the read model of an agent.
type AgentView struct {
	Address  common.Address `json:"address"`
	Owner    common.Address `json:"owner"`
	Price    *uint256.Int   `json:"price"`
	Endpoint string         `json:"endpoint"`
	State    agent.State    `json:"state"`
}

// JobView is the read model of a job. EscrowedBalance is the amount held in
// escrow: zero until funded, the price while Funded and zero after payout.
// TokenBalance is whatever the job address holds on the token ledger, which
// includes tokens transferred to it directly.
type JobView struct {
	Address         common.Address `json:"address"`
	Agent           common.Address `json:"agent"`
	Consumer        common.Address `json:"consumer"`
	Price           *uint256.Int   `json:"price"`
	State           string         `json:"state"`
	EscrowedBalance *uint256.Int   `json:"escrowedBalance"`
	TokenBalance    *uint256.Int   `json:"tokenBalance"`
}

func newAgentView(a *agent.Agent) *AgentView {
	return &AgentView{
		Address:  a.Address,
		Owner:    a.Owner,
		Price:    a.Price,
		Endpoint: a.Endpoint,
		State:    a.State,
	}
}

func newJobView(r ledger.Reader, j *agent.Job) *JobView {
	return &JobView{
		Address:         j.Address,
		Agent:           j.Agent,
		Consumer:        j.Consumer,
		Price:           j.Price,
		State:           j.State.String(),
		EscrowedBalance: j.EscrowedBalance.Clone(),
		TokenBalance:    token.BalanceOf(r, j.Address),
	}
}

// CreateAgent creates an agent owned by caller through the factory.
func (m *Market) CreateAgent(ctx context.Context, caller common.Address, price *uint256.Int, endpoint string) (common.Address, *ledger.Receipt, error) {
	var addr common.Address
	receipt, err := m.invoke(ctx, "createAgent", caller, func(tx *ledger.Tx) error {
		var err error
		addr, err = m.protocol.CreateAgent(tx, price, endpoint)
		return err
	})
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, receipt, nil
}

// SetAgentPrice changes the price future jobs snapshot. Owner only.
func (m *Market) SetAgentPrice(ctx context.Context, caller, agentAddr common.Address, price *uint256.Int) (*ledger.Receipt, error) {
	return m.invoke(ctx, "setPrice", caller, func(tx *ledger.Tx) error {
		return m.protocol.SetPrice(tx, agentAddr, price)
	})
}

// SetAgentEndpoint changes where consumers reach the agent. Owner only.
func (m *Market) SetAgentEndpoint(ctx context.Context, caller, agentAddr common.Address, endpoint string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "setEndpoint", caller, func(tx *ledger.Tx) error {
		return m.protocol.SetEndpoint(tx, agentAddr, endpoint)
	})
}

// TransferAgentOwnership hands the agent, and its future payouts, to newOwner.
func (m *Market) TransferAgentOwnership(ctx context.Context, caller, agentAddr, newOwner common.Address) (*ledger.Receipt, error) {
	return m.invoke(ctx, "transferOwnership", caller, func(tx *ledger.Tx) error {
		return m.protocol.TransferOwnership(tx, agentAddr, newOwner)
	})
}

// GetAgent returns agent.ErrNotFound for unknown addresses.
func (m *Market) GetAgent(ctx context.Context, agentAddr common.Address) (*AgentView, error) {
	var view *AgentView
	err := m.view(ctx, func(r ledger.Reader) error {
		a, err := agent.GetAgent(r, agentAddr)
		if err != nil {
			return err
		}
		view = newAgentView(a)
		return nil
	})
	return view, err
}

// ListAgents returns every agent the factory created, in creation order.
// The factory keeps no list; agents are found through AgentCreated events.
// Events are persisted just before state becomes visible, so events above the
// view height are skipped.
func (m *Market) ListAgents(ctx context.Context) ([]*AgentView, error) {
	events, err := m.ledger.Events(ctx, ledger.EventFilter{Type: agent.EventAgentCreated})
	if err != nil {
		return nil, err
	}
	views := make([]*AgentView, 0, len(events))
	err = m.view(ctx, func(r ledger.Reader) error {
		for _, e := range events {
			if e.Height > r.Height() {
				continue
			}
			a, err := agent.GetAgent(r, e.Address)
			if err != nil {
				return err
			}
			views = append(views, newAgentView(a))
		}
		return nil
	})
	return views, err
}

// CreateJob opens a job on agentAddr for caller at the agent's current price.
func (m *Market) CreateJob(ctx context.Context, caller, agentAddr common.Address) (common.Address, *ledger.Receipt, error) {
	var addr common.Address
	receipt, err := m.invoke(ctx, "createJob", caller, func(tx *ledger.Tx) error {
		var err error
		addr, err = m.protocol.CreateJob(tx, agentAddr)
		return err
	})
	if err != nil {
		return common.Address{}, nil, err
	}
	telemetry.JobTransitionsTotal.WithLabelValues(agent.JobCreated.String()).Inc()
	return addr, receipt, nil
}

// FundJob moves the job price from caller into escrow. Caller must have
// approved the job address beforehand.
func (m *Market) FundJob(ctx context.Context, caller, jobAddr common.Address) (*ledger.Receipt, error) {
	receipt, err := m.invoke(ctx, "fundJob", caller, func(tx *ledger.Tx) error {
		return m.protocol.FundJob(tx, jobAddr)
	})
	if err != nil {
		return nil, err
	}
	telemetry.JobTransitionsTotal.WithLabelValues(agent.JobFunded.String()).Inc()
	return receipt, nil
}

// CompleteJob releases escrow to the agent owner given the consumer's signature.
func (m *Market) CompleteJob(ctx context.Context, caller, agentAddr, jobAddr common.Address, sig sigauth.Signature) (*ledger.Receipt, error) {
	receipt, err := m.invoke(ctx, "completeJob", caller, func(tx *ledger.Tx) error {
		return m.protocol.CompleteJob(tx, agentAddr, jobAddr, sig)
	})
	if err != nil {
		return nil, err
	}
	telemetry.JobTransitionsTotal.WithLabelValues(agent.JobCompleted.String()).Inc()
	return receipt, nil
}

// ValidateJobInvocation is the read-only signature check completeJob applies.
func (m *Market) ValidateJobInvocation(ctx context.Context, agentAddr, jobAddr common.Address, sig sigauth.Signature) (bool, error) {
	var ok bool
	err := m.view(ctx, func(r ledger.Reader) error {
		ok = m.protocol.ValidateJobInvocation(r, agentAddr, jobAddr, sig)
		return nil
	})
	return ok, err
}

// GetJob returns agent.ErrNotFound for unknown addresses.
func (m *Market) GetJob(ctx context.Context, jobAddr common.Address) (*JobView, error) {
	var view *JobView
	err := m.view(ctx, func(r ledger.Reader) error {
		j, err := agent.GetJob(r, jobAddr)
		if err != nil {
			return err
		}
		view = newJobView(r, j)
		return nil
	})
	return view, err
}

// ListJobs returns the jobs opened on agentAddr, in creation order.
func (m *Market) ListJobs(ctx context.Context, agentAddr common.Address) ([]*JobView, error) {
	var views []*JobView
	err := m.view(ctx, func(r ledger.Reader) error {
		if _, err := agent.GetAgent(r, agentAddr); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events, err := m.ledger.Events(ctx, ledger.EventFilter{Type: agent.EventJobCreated})
	if err != nil {
		return nil, err
	}
	want := agentAddr.Hex()
	err = m.view(ctx, func(r ledger.Reader) error {
		for _, e := range events {
			if e.Attributes["agent"] != want || e.Height > r.Height() {
				continue
			}
			j, err := agent.GetJob(r, e.Address)
			if err != nil {
				return err
			}
			views = append(views, newJobView(r, j))
		}
		return nil
	})
	return views, err
}

// FundedJobs returns every job currently holding escrow.
func (m *Market) FundedJobs(ctx context.Context) ([]*agent.Job, error) {
	var jobs []*agent.Job
	err := m.view(ctx, func(r ledger.Reader) error {
		var err error
		jobs, err = agent.ListJobs(r, func(j *agent.Job) bool { return j.State == agent.JobFunded })
		return err
	})
	return jobs, err
}
