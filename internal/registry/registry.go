// Package registry is the marketplace catalog: organizations, the service and
// type-repository registrations they own, a per-tag reverse index for
// discovery, and the legacy name-to-agent record directory.
//
// Every mutating function runs inside a ledger invocation, so a failure part
// way through (for example a cascade delete) leaves the catalog unchanged.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/tagset"
)

var (
	ErrDuplicateKey    = errors.New("registry: duplicate key")
	ErrNotFound        = errors.New("registry: not found")
	ErrUnauthorized    = errors.New("registry: unauthorized")
	ErrInvalidArgument = errors.New("registry: invalid argument")
)

// Event types.
const (
	EventOrganizationCreated        = "OrganizationCreated"
	EventOrganizationDeleted        = "OrganizationDeleted"
	EventOrganizationMembersChanged = "OrganizationMembersChanged"
	EventServiceCreated             = "ServiceRegistrationCreated"
	EventServiceDeleted             = "ServiceRegistrationDeleted"
	EventServiceTagsChanged         = "ServiceTagsChanged"
	EventTypeRepositoryCreated      = "TypeRepositoryCreated"
	EventTypeRepositoryDeleted      = "TypeRepositoryDeleted"
	EventTypeRepositoryTagsChanged  = "TypeRepositoryTagsChanged"
	EventRecordCreated              = "RecordCreated"
	EventRecordDeprecated           = "RecordDeprecated"
)

// Organization is a namespace owning services and type repositories.
type Organization struct {
	Name                string         `json:"name"`
	Owner               common.Address `json:"owner"`
	Members             *tagset.TagSet `json:"members"`
	ServiceNames        *tagset.TagSet `json:"serviceNames"`
	TypeRepositoryNames *tagset.TagSet `json:"typeRepositoryNames"`
}

// CanManage reports whether addr may manage the organization's registrations.
func (o *Organization) CanManage(addr common.Address) bool {
	return addr == o.Owner || o.Members.Contains(addr.Hex())
}

func orgKey(name string) string { return ledger.Key("registry", "org", name) }

var orgPrefix = ledger.Prefix("registry", "org")

func validateName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s name is required", ErrInvalidArgument, kind)
	}
	return nil
}

func loadOrganization(r ledger.Reader, name string) (*Organization, error) {
	var org Organization
	ok, err := ledger.GetJSON(r, orgKey(name), &org)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: organization %q", ErrNotFound, name)
	}
	if org.Members == nil {
		org.Members = tagset.New()
	}
	if org.ServiceNames == nil {
		org.ServiceNames = tagset.New()
	}
	if org.TypeRepositoryNames == nil {
		org.TypeRepositoryNames = tagset.New()
	}
	return &org, nil
}

func saveOrganization(tx *ledger.Tx, org *Organization) error {
	return ledger.PutJSON(tx, orgKey(org.Name), org)
}

func addressStrings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

// CreateOrganization registers name with the caller as owner. members are the
// initial keys allowed to manage the organization's registrations.
func CreateOrganization(tx *ledger.Tx, name string, members []common.Address) error {
	if err := validateName("organization", name); err != nil {
		return err
	}
	if _, ok := tx.Get(orgKey(name)); ok {
		return fmt.Errorf("%w: organization %q", ErrDuplicateKey, name)
	}

	org := &Organization{
		Name:                name,
		Owner:               tx.Caller(),
		Members:             tagset.New(addressStrings(members)...),
		ServiceNames:        tagset.New(),
		TypeRepositoryNames: tagset.New(),
	}
	if err := saveOrganization(tx, org); err != nil {
		return err
	}
	tx.Emit(EventOrganizationCreated, tx.Caller(), map[string]string{"organization": name})
	return nil
}

// DeleteOrganization removes the organization and cascades to every service
// and type repository registered under it, including their tag index entries.
// Only the owner may delete.
func DeleteOrganization(tx *ledger.Tx, name string) error {
	org, err := loadOrganization(tx, name)
	if err != nil {
		return err
	}
	if tx.Caller() != org.Owner {
		return fmt.Errorf("%w: only the owner may delete organization %q", ErrUnauthorized, name)
	}

	for _, svc := range org.ServiceNames.List() {
		if err := services.remove(tx, name, svc); err != nil {
			return err
		}
	}
	for _, repo := range org.TypeRepositoryNames.List() {
		if err := typeRepositories.remove(tx, name, repo); err != nil {
			return err
		}
	}

	tx.Delete(orgKey(name))
	tx.Emit(EventOrganizationDeleted, tx.Caller(), map[string]string{"organization": name})
	return nil
}

// AddOrganizationMembers grants management rights. Owner only; existing members are ignored.
func AddOrganizationMembers(tx *ledger.Tx, name string, members []common.Address) error {
	return changeMembers(tx, name, func(org *Organization) int {
		return org.Members.Add(addressStrings(members)...)
	})
}

// RemoveOrganizationMembers revokes management rights. Owner only; absent members are ignored.
func RemoveOrganizationMembers(tx *ledger.Tx, name string, members []common.Address) error {
	return changeMembers(tx, name, func(org *Organization) int {
		return org.Members.Remove(addressStrings(members)...)
	})
}

func changeMembers(tx *ledger.Tx, name string, apply func(*Organization) int) error {
	org, err := loadOrganization(tx, name)
	if err != nil {
		return err
	}
	if tx.Caller() != org.Owner {
		return fmt.Errorf("%w: only the owner may change members of %q", ErrUnauthorized, name)
	}
	if apply(org) == 0 {
		return nil
	}
	if err := saveOrganization(tx, org); err != nil {
		return err
	}
	tx.Emit(EventOrganizationMembersChanged, tx.Caller(), map[string]string{
		"organization": name,
		"members":      strings.Join(org.Members.List(), ","),
	})
	return nil
}

// GetOrganization looks up an organization. A missing organization is
// reported through the boolean, never as an error.
func GetOrganization(r ledger.Reader, name string) (*Organization, bool, error) {
	org, err := loadOrganization(r, name)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return org, true, nil
}

// ListOrganizations returns every organization name.
func ListOrganizations(r ledger.Reader) []string {
	keys := r.Keys(orgPrefix)
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		parts := ledger.SplitKey(k)
		names = append(names, parts[len(parts)-1])
	}
	return names
}

func requireManager(r ledger.Reader, orgName string, caller common.Address) (*Organization, error) {
	org, err := loadOrganization(r, orgName)
	if err != nil {
		return nil, err
	}
	if !org.CanManage(caller) {
		return nil, fmt.Errorf("%w: %s may not manage organization %q", ErrUnauthorized, caller.Hex(), orgName)
	}
	return org, nil
}
