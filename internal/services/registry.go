package services

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/registry"
)

// CreateOrganization registers name owned by caller with members allowed to
// manage its registrations.
func (m *Market) CreateOrganization(ctx context.Context, caller common.Address, name string, members []common.Address) (*ledger.Receipt, error) {
	return m.invoke(ctx, "createOrganization", caller, func(tx *ledger.Tx) error {
		return registry.CreateOrganization(tx, name, members)
	})
}

// DeleteOrganization removes the organization and every registration under
// it, with their tag index entries. Owner only.
func (m *Market) DeleteOrganization(ctx context.Context, caller common.Address, name string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "deleteOrganization", caller, func(tx *ledger.Tx) error {
		return registry.DeleteOrganization(tx, name)
	})
}

// AddOrganizationMembers lets members manage the organization's registrations.
// Owner only; members already present are ignored.
func (m *Market) AddOrganizationMembers(ctx context.Context, caller common.Address, name string, members []common.Address) (*ledger.Receipt, error) {
	return m.invoke(ctx, "addOrganizationMembers", caller, func(tx *ledger.Tx) error {
		return registry.AddOrganizationMembers(tx, name, members)
	})
}

// RemoveOrganizationMembers is the inverse of AddOrganizationMembers.
func (m *Market) RemoveOrganizationMembers(ctx context.Context, caller common.Address, name string, members []common.Address) (*ledger.Receipt, error) {
	return m.invoke(ctx, "removeOrganizationMembers", caller, func(tx *ledger.Tx) error {
		return registry.RemoveOrganizationMembers(tx, name, members)
	})
}

// GetOrganization returns the organization and whether it exists.
func (m *Market) GetOrganization(ctx context.Context, name string) (*registry.Organization, bool, error) {
	var org *registry.Organization
	var found bool
	err := m.view(ctx, func(r ledger.Reader) error {
		var err error
		org, found, err = registry.GetOrganization(r, name)
		return err
	})
	return org, found, err
}

// ListOrganizations returns every organization name.
func (m *Market) ListOrganizations(ctx context.Context) ([]string, error) {
	var names []string
	err := m.view(ctx, func(r ledger.Reader) error {
		names = registry.ListOrganizations(r)
		return nil
	})
	return names, err
}

// Services

// CreateServiceRegistration registers name under org and indexes its tags.
// Caller must own org or be a member.
func (m *Market) CreateServiceRegistration(ctx context.Context, caller common.Address, org, name, endpoint string, agentAddr common.Address, tags []string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "createServiceRegistration", caller, func(tx *ledger.Tx) error {
		return registry.CreateServiceRegistration(tx, org, name, endpoint, agentAddr, tags)
	})
}

// DeleteServiceRegistration removes the registration and drops it from the
// tag index in the same invocation.
func (m *Market) DeleteServiceRegistration(ctx context.Context, caller common.Address, org, name string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "deleteServiceRegistration", caller, func(tx *ledger.Tx) error {
		return registry.DeleteServiceRegistration(tx, org, name)
	})
}

// AddTagsToServiceRegistration adds tags to a service. Tags it already carries
// are ignored.
func (m *Market) AddTagsToServiceRegistration(ctx context.Context, caller common.Address, org, name string, tags []string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "addTagsToServiceRegistration", caller, func(tx *ledger.Tx) error {
		return registry.AddTagsToServiceRegistration(tx, org, name, tags)
	})
}

// RemoveTagsFromServiceRegistration removes tags; a tag no longer used by any
// service leaves ListServiceTags.
func (m *Market) RemoveTagsFromServiceRegistration(ctx context.Context, caller common.Address, org, name string, tags []string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "removeTagsFromServiceRegistration", caller, func(tx *ledger.Tx) error {
		return registry.RemoveTagsFromServiceRegistration(tx, org, name, tags)
	})
}

// GetServiceRegistration returns the registration and whether it exists.
func (m *Market) GetServiceRegistration(ctx context.Context, org, name string) (*registry.ServiceRegistration, bool, error) {
	var svc *registry.ServiceRegistration
	var found bool
	err := m.view(ctx, func(r ledger.Reader) error {
		var err error
		svc, found, err = registry.GetServiceRegistration(r, org, name)
		return err
	})
	return svc, found, err
}

// ListServicesForOrganization reports whether org exists and its service names.
func (m *Market) ListServicesForOrganization(ctx context.Context, org string) (bool, []string, error) {
	var found bool
	var names []string
	err := m.view(ctx, func(r ledger.Reader) error {
		var err error
		found, names, err = registry.ListServicesForOrganization(r, org)
		return err
	})
	return found, names, err
}

// ListServiceTags returns every tag carried by at least one service.
func (m *Market) ListServiceTags(ctx context.Context) ([]string, error) {
	var tags []string
	err := m.view(ctx, func(r ledger.Reader) error {
		tags = registry.ListServiceTags(r)
		return nil
	})
	return tags, err
}

// ListServicesForTag returns the services carrying tag.
func (m *Market) ListServicesForTag(ctx context.Context, tag string) ([]registry.EntityRef, error) {
	var refs []registry.EntityRef
	err := m.view(ctx, func(r ledger.Reader) error {
		var err error
		refs, err = registry.ListServicesForTag(r, tag)
		return err
	})
	return refs, err
}

// Type repositories

// CreateTypeRepositoryRegistration registers a type repository under org.
func (m *Market) CreateTypeRepositoryRegistration(ctx context.Context, caller common.Address, org, name, uri string, tags []string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "createTypeRepositoryRegistration", caller, func(tx *ledger.Tx) error {
		return registry.CreateTypeRepositoryRegistration(tx, org, name, uri, tags)
	})
}

// DeleteTypeRepositoryRegistration removes the repository and its tag index
// entries.
func (m *Market) DeleteTypeRepositoryRegistration(ctx context.Context, caller common.Address, org, name string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "deleteTypeRepositoryRegistration", caller, func(tx *ledger.Tx) error {
		return registry.DeleteTypeRepositoryRegistration(tx, org, name)
	})
}

// AddTagsToTypeRepositoryRegistration adds tags to a type repository.
func (m *Market) AddTagsToTypeRepositoryRegistration(ctx context.Context, caller common.Address, org, name string, tags []string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "addTagsToTypeRepositoryRegistration", caller, func(tx *ledger.Tx) error {
		return registry.AddTagsToTypeRepositoryRegistration(tx, org, name, tags)
	})
}

// RemoveTagsFromTypeRepositoryRegistration removes tags from a type repository.
func (m *Market) RemoveTagsFromTypeRepositoryRegistration(ctx context.Context, caller common.Address, org, name string, tags []string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "removeTagsFromTypeRepositoryRegistration", caller, func(tx *ledger.Tx) error {
		return registry.RemoveTagsFromTypeRepositoryRegistration(tx, org, name, tags)
	})
}

// GetTypeRepository returns the registration and whether it exists.
func (m *Market) GetTypeRepository(ctx context.Context, org, name string) (*registry.TypeRepositoryRegistration, bool, error) {
	var repo *registry.TypeRepositoryRegistration
	var found bool
	err := m.view(ctx, func(r ledger.Reader) error {
		var err error
		repo, found, err = registry.GetTypeRepository(r, org, name)
		return err
	})
	return repo, found, err
}

// ListTypeRepositoriesForOrganization reports whether org exists and its
// type repository names.
func (m *Market) ListTypeRepositoriesForOrganization(ctx context.Context, org string) (bool, []string, error) {
	var found bool
	var names []string
	err := m.view(ctx, func(r ledger.Reader) error {
		var err error
		found, names, err = registry.ListTypeRepositoriesForOrganization(r, org)
		return err
	})
	return found, names, err
}

// ListTypeRepositoryTags returns every tag carried by a type repository.
func (m *Market) ListTypeRepositoryTags(ctx context.Context) ([]string, error) {
	var tags []string
	err := m.view(ctx, func(r ledger.Reader) error {
		tags = registry.ListTypeRepositoryTags(r)
		return nil
	})
	return tags, err
}

// ListTypeRepositoriesForTag returns the type repositories carrying tag.
func (m *Market) ListTypeRepositoriesForTag(ctx context.Context, tag string) ([]registry.EntityRef, error) {
	var refs []registry.EntityRef
	err := m.view(ctx, func(r ledger.Reader) error {
		var err error
		refs, err = registry.ListTypeRepositoriesForTag(r, tag)
		return err
	})
	return refs, err
}

// Records

// CreateRecord adds a legacy directory entry pointing name at agentAddr.
func (m *Market) CreateRecord(ctx context.Context, caller common.Address, name string, agentAddr common.Address) (*ledger.Receipt, error) {
	return m.invoke(ctx, "createRecord", caller, func(tx *ledger.Tx) error {
		return registry.CreateRecord(tx, name, agentAddr)
	})
}

// DeprecateRecord clears the agent of a record. Only its creator may do so.
func (m *Market) DeprecateRecord(ctx context.Context, caller common.Address, name string) (*ledger.Receipt, error) {
	return m.invoke(ctx, "deprecateRecord", caller, func(tx *ledger.Tx) error {
		return registry.DeprecateRecord(tx, name)
	})
}

// ListRecords returns parallel name and agent address slices.
func (m *Market) ListRecords(ctx context.Context) ([]string, []common.Address, error) {
	var names []string
	var agents []common.Address
	err := m.view(ctx, func(r ledger.Reader) error {
		var err error
		names, agents, err = registry.ListRecords(r)
		return err
	})
	return names, agents, err
}
