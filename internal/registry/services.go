package registry

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/tagset"
)

// ServiceRegistration is a discoverable, taggable pointer to an agent offering.
// AgentAddress is a weak reference: the registry does not track the agent's lifecycle.
type ServiceRegistration struct {
	OrgName      string         `json:"orgName"`
	Name         string         `json:"name"`
	EndpointURI  string         `json:"endpointUri"`
	AgentAddress common.Address `json:"agentAddress"`
	Tags         *tagset.TagSet `json:"tags"`
}

// CreateServiceRegistration registers a service under orgName.
func CreateServiceRegistration(tx *ledger.Tx, orgName, name, endpoint string, agent common.Address, tags []string) error {
	rec := &ServiceRegistration{
		OrgName:      orgName,
		Name:         name,
		EndpointURI:  endpoint,
		AgentAddress: agent,
		Tags:         tagset.New(tags...),
	}
	return services.create(tx, orgName, name, rec, rec.Tags.List())
}

// DeleteServiceRegistration removes a service and its tag index entries.
func DeleteServiceRegistration(tx *ledger.Tx, orgName, name string) error {
	return services.delete(tx, orgName, name)
}

// AddTagsToServiceRegistration adds tags; tags already present are ignored.
func AddTagsToServiceRegistration(tx *ledger.Tx, orgName, name string, tags []string) error {
	return services.changeTags(tx, orgName, name, tags, true)
}

// RemoveTagsFromServiceRegistration removes tags; tags not present are ignored.
func RemoveTagsFromServiceRegistration(tx *ledger.Tx, orgName, name string, tags []string) error {
	return services.changeTags(tx, orgName, name, tags, false)
}

// GetServiceRegistration looks up a service; absence is reported through the boolean.
func GetServiceRegistration(r ledger.Reader, orgName, name string) (*ServiceRegistration, bool, error) {
	var rec ServiceRegistration
	ok, err := services.get(r, orgName, name, &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	if rec.Tags == nil {
		rec.Tags = tagset.New()
	}
	return &rec, true, nil
}

// ListServicesForOrganization returns the organization's service names, or false if it does not exist.
func ListServicesForOrganization(r ledger.Reader, orgName string) (bool, []string, error) {
	return services.namesFor(r, orgName)
}

// ListServiceTags returns every tag referenced by at least one service.
func ListServiceTags(r ledger.Reader) []string {
	return services.tags(r)
}

// ListServicesForTag returns the services carrying tag.
func ListServicesForTag(r ledger.Reader, tag string) ([]EntityRef, error) {
	return services.forTag(r, tag)
}
