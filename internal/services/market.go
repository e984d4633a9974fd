// Package services implements the business operations the HTTP API and the
// background jobs call. Market binds the ledger to the registry, agent and token
// packages: every mutating method is exactly one ledger invocation on behalf of
// an authenticated caller, and every read is one consistent view.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agent-market/agent-market/internal/agent"
	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/sigauth"
	"github.com/agent-market/agent-market/internal/token"
)

// ErrNotDeployed is returned when the ledger has no deployment record and no
// operator was configured to create one.
var ErrNotDeployed = errors.New("market: not deployed")

const deploymentKey = "system/deployment"

// Deployment records the addresses assigned at genesis.
type Deployment struct {
	Operator  common.Address `json:"operator" yaml:"operator"`
	Token     common.Address `json:"token" yaml:"token"`
	Factory   common.Address `json:"factory" yaml:"factory"`
	Registry  common.Address `json:"registry" yaml:"registry"`
	Height    uint64         `json:"height" yaml:"height"`
	CreatedAt time.Time      `json:"createdAt" yaml:"createdAt"`
}

// GenesisConfig describes the deployment created on first start.
type GenesisConfig struct {
	Operator      common.Address
	InitialSupply *uint256.Int
	TokenName     string
	TokenSymbol   string
	TokenDecimals uint8
}

// Market is the application facade over the ledger.
type Market struct {
	ledger     *ledger.Ledger
	deployment Deployment
	protocol   *agent.Protocol
	recoverer  sigauth.Recoverer
}

// NewMarket loads the deployment record, creating it from genesis when the
// ledger is empty. A nil recoverer selects plain ECDSA recovery.
func NewMarket(ctx context.Context, l *ledger.Ledger, genesis GenesisConfig, recoverer sigauth.Recoverer) (*Market, error) {
	if recoverer == nil {
		recoverer = sigauth.ECDSARecoverer{}
	}

	dep, found, err := loadDeployment(ctx, l)
	if err != nil {
		return nil, err
	}
	if !found {
		if genesis.Operator == (common.Address{}) {
			return nil, ErrNotDeployed
		}
		dep, err = runGenesis(ctx, l, genesis)
		if err != nil {
			return nil, fmt.Errorf("failed to run genesis: %w", err)
		}
		slog.Info("genesis complete",
			"operator", dep.Operator.Hex(),
			"token", dep.Token.Hex(),
			"factory", dep.Factory.Hex(),
			"registry", dep.Registry.Hex(),
			"height", dep.Height)
	}

	return &Market{
		ledger:     l,
		deployment: *dep,
		protocol:   agent.NewProtocol(dep.Factory, token.Contract{}, recoverer),
		recoverer:  recoverer,
	}, nil
}

func loadDeployment(ctx context.Context, l *ledger.Ledger) (*Deployment, bool, error) {
	var dep Deployment
	var found bool
	err := l.View(ctx, func(r ledger.Reader) error {
		var err error
		found, err = ledger.GetJSON(r, deploymentKey, &dep)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to load deployment: %w", err)
	}
	return &dep, found, nil
}

func runGenesis(ctx context.Context, l *ledger.Ledger, g GenesisConfig) (*Deployment, error) {
	var dep Deployment
	_, err := l.Invoke(ctx, "genesis", g.Operator, func(tx *ledger.Tx) error {
		dep = Deployment{
			Operator:  g.Operator,
			Token:     tx.CreateAddress(g.Operator),
			Factory:   tx.CreateAddress(g.Operator),
			Registry:  tx.CreateAddress(g.Operator),
			Height:    tx.Height(),
			CreatedAt: tx.Time(),
		}
		if err := token.Initialize(tx, token.Meta{
			Address:  dep.Token,
			Minter:   g.Operator,
			Name:     g.TokenName,
			Symbol:   g.TokenSymbol,
			Decimals: g.TokenDecimals,
		}); err != nil {
			return err
		}
		if g.InitialSupply != nil && !g.InitialSupply.IsZero() {
			if err := token.Mint(tx, g.Operator, g.InitialSupply); err != nil {
				return err
			}
		}
		return ledger.PutJSON(tx, deploymentKey, &dep)
	})
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// Deployment returns the genesis addresses.
func (m *Market) Deployment() Deployment { return m.deployment }

// Height returns the last committed ledger height.
func (m *Market) Height() uint64 { return m.ledger.Height() }

// Events queries committed events.
func (m *Market) Events(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	return m.ledger.Events(ctx, filter)
}

func (m *Market) invoke(ctx context.Context, operation string, caller common.Address, fn func(tx *ledger.Tx) error) (*ledger.Receipt, error) {
	receipt, err := m.ledger.Invoke(ctx, operation, caller, fn)
	if err != nil {
		slog.Debug("invocation rejected", "operation", operation, "caller", caller.Hex(), "error", err)
		return nil, err
	}
	return receipt, nil
}

func (m *Market) view(ctx context.Context, fn func(r ledger.Reader) error) error {
	return m.ledger.View(ctx, fn)
}
