package services

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agent-market/agent-market/internal/agent"
	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/registry"
)

// RegistrySnapshot is the registry and agent directory at one height.
type RegistrySnapshot struct {
	Height           uint64                                 `json:"height"`
	Organizations    []*registry.Organization               `json:"organizations"`
	Services         []*registry.ServiceRegistration        `json:"services"`
	TypeRepositories []*registry.TypeRepositoryRegistration `json:"typeRepositories"`
	Records          []SnapshotRecord                       `json:"records"`
	Agents           []*AgentView                           `json:"agents"`
}

// SnapshotRecord is one legacy directory entry; Agent is zero once deprecated.
type SnapshotRecord struct {
	Name  string         `json:"name"`
	Agent common.Address `json:"agent"`
}

// Snapshot reads the whole registry in one consistent view.
func (m *Market) Snapshot(ctx context.Context) (*RegistrySnapshot, error) {
	created, err := m.ledger.Events(ctx, ledger.EventFilter{Type: agent.EventAgentCreated})
	if err != nil {
		return nil, err
	}

	snap := &RegistrySnapshot{
		Organizations:    []*registry.Organization{},
		Services:         []*registry.ServiceRegistration{},
		TypeRepositories: []*registry.TypeRepositoryRegistration{},
		Records:          []SnapshotRecord{},
		Agents:           []*AgentView{},
	}
	err = m.view(ctx, func(r ledger.Reader) error {
		snap.Height = r.Height()
		for _, name := range registry.ListOrganizations(r) {
			org, found, err := registry.GetOrganization(r, name)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			snap.Organizations = append(snap.Organizations, org)

			for _, svcName := range org.ServiceNames.List() {
				svc, ok, err := registry.GetServiceRegistration(r, name, svcName)
				if err != nil {
					return err
				}
				if ok {
					snap.Services = append(snap.Services, svc)
				}
			}
			for _, repoName := range org.TypeRepositoryNames.List() {
				repo, ok, err := registry.GetTypeRepository(r, name, repoName)
				if err != nil {
					return err
				}
				if ok {
					snap.TypeRepositories = append(snap.TypeRepositories, repo)
				}
			}
		}

		names, addrs, err := registry.ListRecords(r)
		if err != nil {
			return err
		}
		for i := range names {
			snap.Records = append(snap.Records, SnapshotRecord{Name: names[i], Agent: addrs[i]})
		}

		for _, e := range created {
			if e.Height > snap.Height {
				continue
			}
			a, err := agent.GetAgent(r, e.Address)
			if err != nil {
				return err
			}
			snap.Agents = append(snap.Agents, newAgentView(a))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
