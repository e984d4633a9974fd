// Package agent implements the priced agent offerings and the escrowed jobs
// consumers open against them.
//
// A Job moves strictly forward: Created -> Funded -> Completed. Funding pulls
// the job price from the funder into escrow held at the job's own address;
// completion is triggered by the agent owner but only with a signature from
// the job's consumer over the job address, and pays the whole escrow to the
// agent's current owner.
package agent

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/sigauth"
)

var (
	ErrNotFound         = errors.New("agent: not found")
	ErrUnauthorized     = errors.New("agent: unauthorized")
	ErrInvalidJobState  = errors.New("agent: invalid job state")
	ErrInvalidSignature = errors.New("agent: invalid signature")
	ErrInvalidArgument  = errors.New("agent: invalid argument")
)

// Event types.
const (
	EventAgentCreated = "AgentCreated"
	EventAgentUpdated = "AgentUpdated"
	EventJobCreated   = "JobCreated"
	EventJobFunded    = "JobFunded"
	EventJobCompleted = "JobCompleted"
)

// State is an agent's lifecycle state.
type State uint8

// StateIdle is the only agent state the protocol uses.
const StateIdle State = 0

// Tokens is the fungible-asset capability jobs escrow through.
type Tokens interface {
	Transfer(tx *ledger.Tx, from, to common.Address, amount *uint256.Int) error
	TransferFrom(tx *ledger.Tx, spender, from, to common.Address, amount *uint256.Int) error
}

// Agent is one priced service offering.
type Agent struct {
	Address  common.Address `json:"address"`
	Owner    common.Address `json:"owner"`
	Price    *uint256.Int   `json:"price"`
	Endpoint string         `json:"endpoint"`
	State    State          `json:"state"`
	Factory  common.Address `json:"factory"`
}

// Protocol binds the factory identity to the token and signature capabilities.
type Protocol struct {
	factory   common.Address
	tokens    Tokens
	recoverer sigauth.Recoverer
}

// NewProtocol returns a Protocol creating agents on behalf of factory.
func NewProtocol(factory common.Address, tokens Tokens, recoverer sigauth.Recoverer) *Protocol {
	if recoverer == nil {
		recoverer = sigauth.ECDSARecoverer{}
	}
	return &Protocol{factory: factory, tokens: tokens, recoverer: recoverer}
}

// Factory returns the address agents are derived from.
func (p *Protocol) Factory() common.Address { return p.factory }

func agentKey(addr common.Address) string { return ledger.Key("agent", addr.Hex()) }

// GetAgent loads an agent.
func GetAgent(r ledger.Reader, addr common.Address) (*Agent, error) {
	var a Agent
	ok, err := ledger.GetJSON(r, agentKey(addr), &a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, addr.Hex())
	}
	if a.Price == nil {
		a.Price = new(uint256.Int)
	}
	return &a, nil
}

func saveAgent(tx *ledger.Tx, a *Agent) error {
	return ledger.PutJSON(tx, agentKey(a.Address), a)
}

// CreateAgent allocates an agent owned by the caller. The new address is
// announced in an AgentCreated event; the factory keeps no list of its own.
func (p *Protocol) CreateAgent(tx *ledger.Tx, price *uint256.Int, endpoint string) (common.Address, error) {
	if price == nil {
		return common.Address{}, fmt.Errorf("%w: price is required", ErrInvalidArgument)
	}
	a := &Agent{
		Address:  tx.CreateAddress(p.factory),
		Owner:    tx.Caller(),
		Price:    price.Clone(),
		Endpoint: endpoint,
		State:    StateIdle,
		Factory:  p.factory,
	}
	if err := saveAgent(tx, a); err != nil {
		return common.Address{}, err
	}
	tx.Emit(EventAgentCreated, a.Address, map[string]string{
		"agent":    a.Address.Hex(),
		"owner":    a.Owner.Hex(),
		"price":    a.Price.Dec(),
		"endpoint": endpoint,
	})
	return a.Address, nil
}

func (p *Protocol) updateAgent(tx *ledger.Tx, addr common.Address, field string, apply func(*Agent) string) error {
	a, err := GetAgent(tx, addr)
	if err != nil {
		return err
	}
	if tx.Caller() != a.Owner {
		return fmt.Errorf("%w: only the owner may change agent %s", ErrUnauthorized, addr.Hex())
	}
	value := apply(a)
	if err := saveAgent(tx, a); err != nil {
		return err
	}
	tx.Emit(EventAgentUpdated, addr, map[string]string{field: value})
	return nil
}

// SetPrice changes the price for jobs created from now on. Existing jobs keep their price.
func (p *Protocol) SetPrice(tx *ledger.Tx, addr common.Address, price *uint256.Int) error {
	if price == nil {
		return fmt.Errorf("%w: price is required", ErrInvalidArgument)
	}
	return p.updateAgent(tx, addr, "price", func(a *Agent) string {
		a.Price = price.Clone()
		return a.Price.Dec()
	})
}

// SetEndpoint changes the agent's endpoint.
func (p *Protocol) SetEndpoint(tx *ledger.Tx, addr common.Address, endpoint string) error {
	return p.updateAgent(tx, addr, "endpoint", func(a *Agent) string {
		a.Endpoint = endpoint
		return endpoint
	})
}

// TransferOwnership hands the agent to newOwner. Payouts of jobs completed
// afterwards go to the new owner.
func (p *Protocol) TransferOwnership(tx *ledger.Tx, addr, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return fmt.Errorf("%w: new owner is the zero address", ErrInvalidArgument)
	}
	return p.updateAgent(tx, addr, "owner", func(a *Agent) string {
		a.Owner = newOwner
		return newOwner.Hex()
	})
}
