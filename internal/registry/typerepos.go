package registry

import (
	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/tagset"
)

// TypeRepositoryRegistration points at a shared schema/type definition bundle.
type TypeRepositoryRegistration struct {
	OrgName string         `json:"orgName"`
	Name    string         `json:"name"`
	URI     string         `json:"uri"`
	Tags    *tagset.TagSet `json:"tags"`
}

// CreateTypeRepositoryRegistration registers a type repository under orgName.
func CreateTypeRepositoryRegistration(tx *ledger.Tx, orgName, name, uri string, tags []string) error {
	rec := &TypeRepositoryRegistration{
		OrgName: orgName,
		Name:    name,
		URI:     uri,
		Tags:    tagset.New(tags...),
	}
	return typeRepositories.create(tx, orgName, name, rec, rec.Tags.List())
}

// DeleteTypeRepositoryRegistration removes a type repository and its tag index entries.
func DeleteTypeRepositoryRegistration(tx *ledger.Tx, orgName, name string) error {
	return typeRepositories.delete(tx, orgName, name)
}

// AddTagsToTypeRepositoryRegistration adds tags; tags already present are ignored.
func AddTagsToTypeRepositoryRegistration(tx *ledger.Tx, orgName, name string, tags []string) error {
	return typeRepositories.changeTags(tx, orgName, name, tags, true)
}

// RemoveTagsFromTypeRepositoryRegistration removes tags; tags not present are ignored.
func RemoveTagsFromTypeRepositoryRegistration(tx *ledger.Tx, orgName, name string, tags []string) error {
	return typeRepositories.changeTags(tx, orgName, name, tags, false)
}

// GetTypeRepository looks up a type repository; absence is reported through the boolean.
func GetTypeRepository(r ledger.Reader, orgName, name string) (*TypeRepositoryRegistration, bool, error) {
	var rec TypeRepositoryRegistration
	ok, err := typeRepositories.get(r, orgName, name, &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	if rec.Tags == nil {
		rec.Tags = tagset.New()
	}
	return &rec, true, nil
}

// ListTypeRepositoriesForOrganization returns the organization's type repository names.
func ListTypeRepositoriesForOrganization(r ledger.Reader, orgName string) (bool, []string, error) {
	return typeRepositories.namesFor(r, orgName)
}

// ListTypeRepositoryTags returns every tag referenced by at least one type repository.
func ListTypeRepositoryTags(r ledger.Reader) []string {
	return typeRepositories.tags(r)
}

// ListTypeRepositoriesForTag returns the type repositories carrying tag.
func ListTypeRepositoriesForTag(r ledger.Reader, tag string) ([]EntityRef, error) {
	return typeRepositories.forTag(r, tag)
}
