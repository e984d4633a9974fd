package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/tagset"
)

// collection holds what differs between service and type-repository
// registrations. Both share one lifecycle: per-organization unique names,
// a forward tag set on the record, and a per-tag reverse index.
type collection struct {
	kind        string
	entity      string
	index       string
	created     string
	deleted     string
	tagsChanged string
	names       func(*Organization) *tagset.TagSet
}

var services = collection{
	kind:        "service",
	entity:      "svc",
	index:       "svctag",
	created:     EventServiceCreated,
	deleted:     EventServiceDeleted,
	tagsChanged: EventServiceTagsChanged,
	names:       func(o *Organization) *tagset.TagSet { return o.ServiceNames },
}

var typeRepositories = collection{
	kind:        "type repository",
	entity:      "repo",
	index:       "repotag",
	created:     EventTypeRepositoryCreated,
	deleted:     EventTypeRepositoryDeleted,
	tagsChanged: EventTypeRepositoryTagsChanged,
	names:       func(o *Organization) *tagset.TagSet { return o.TypeRepositoryNames },
}

// EntityRef identifies a registration by its compound key.
type EntityRef struct {
	OrgName string `json:"orgName"`
	Name    string `json:"name"`
}

func (c collection) key(org, name string) string {
	return ledger.Key("registry", c.entity, org, name)
}

func (c collection) indexKey(tag string) string {
	return ledger.Key("registry", c.index, tag)
}

func (c collection) get(r ledger.Reader, org, name string, v any) (bool, error) {
	return ledger.GetJSON(r, c.key(org, name), v)
}

// create writes record (which must carry a "tags" field) and indexes its tags.
func (c collection) create(tx *ledger.Tx, orgName, name string, record any, tags []string) error {
	if err := validateName(c.kind, name); err != nil {
		return err
	}
	org, err := requireManager(tx, orgName, tx.Caller())
	if err != nil {
		return err
	}
	if _, ok := tx.Get(c.key(orgName, name)); ok {
		return fmt.Errorf("%w: %s %q in organization %q", ErrDuplicateKey, c.kind, name, orgName)
	}

	if err := ledger.PutJSON(tx, c.key(orgName, name), record); err != nil {
		return err
	}
	c.names(org).Add(name)
	if err := saveOrganization(tx, org); err != nil {
		return err
	}
	if err := c.indexAdd(tx, orgName, name, tags); err != nil {
		return err
	}
	tx.Emit(c.created, tx.Caller(), map[string]string{
		"organization": orgName,
		"name":         name,
		"tags":         strings.Join(tags, ","),
	})
	return nil
}

// delete removes the registration, its index entries and its slot in the organization.
func (c collection) delete(tx *ledger.Tx, orgName, name string) error {
	org, err := requireManager(tx, orgName, tx.Caller())
	if err != nil {
		return err
	}
	if _, ok := tx.Get(c.key(orgName, name)); !ok {
		return fmt.Errorf("%w: %s %q in organization %q", ErrNotFound, c.kind, name, orgName)
	}
	if err := c.remove(tx, orgName, name); err != nil {
		return err
	}
	c.names(org).Remove(name)
	return saveOrganization(tx, org)
}

// remove drops the record and its index entries without touching the organization.
func (c collection) remove(tx *ledger.Tx, orgName, name string) error {
	_, tags, err := c.loadTags(tx, orgName, name)
	if err != nil {
		return err
	}
	if err := c.indexRemove(tx, orgName, name, tags.List()); err != nil {
		return err
	}
	tx.Delete(c.key(orgName, name))
	tx.Emit(c.deleted, tx.Caller(), map[string]string{"organization": orgName, "name": name})
	return nil
}

// changeTags adds or removes tags on one registration, updating the forward
// set and the reverse index together.
func (c collection) changeTags(tx *ledger.Tx, orgName, name string, tags []string, add bool) error {
	if _, err := requireManager(tx, orgName, tx.Caller()); err != nil {
		return err
	}
	fields, current, err := c.loadTags(tx, orgName, name)
	if err != nil {
		return err
	}

	var changed []string
	for _, tag := range tagset.New(tags...).List() {
		if add && !current.Contains(tag) {
			changed = append(changed, tag)
		} else if !add && current.Contains(tag) {
			changed = append(changed, tag)
		}
	}
	if add {
		current.Add(changed...)
		err = c.indexAdd(tx, orgName, name, changed)
	} else {
		current.Remove(changed...)
		err = c.indexRemove(tx, orgName, name, changed)
	}
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("registry: encode tags: %w", err)
	}
	fields["tags"] = raw
	if err := ledger.PutJSON(tx, c.key(orgName, name), fields); err != nil {
		return err
	}

	op := "removed"
	if add {
		op = "added"
	}
	tx.Emit(c.tagsChanged, tx.Caller(), map[string]string{
		"organization": orgName,
		"name":         name,
		op:             strings.Join(changed, ","),
	})
	return nil
}

// loadTags decodes a record generically so the same code serves both kinds.
func (c collection) loadTags(r ledger.Reader, orgName, name string) (map[string]json.RawMessage, *tagset.TagSet, error) {
	var fields map[string]json.RawMessage
	ok, err := c.get(r, orgName, name, &fields)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s %q in organization %q", ErrNotFound, c.kind, name, orgName)
	}
	tags := tagset.New()
	if raw, ok := fields["tags"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, tags); err != nil {
			return nil, nil, fmt.Errorf("registry: decode tags: %w", err)
		}
	}
	return fields, tags, nil
}

func (c collection) loadIndex(r ledger.Reader, tag string) (*tagset.TagSet, error) {
	members := tagset.New()
	if _, err := ledger.GetJSON(r, c.indexKey(tag), members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c collection) indexAdd(tx *ledger.Tx, orgName, name string, tags []string) error {
	ref := ledger.Key(orgName, name)
	for _, tag := range tags {
		if err := validateName("tag", tag); err != nil {
			return err
		}
		members, err := c.loadIndex(tx, tag)
		if err != nil {
			return err
		}
		if members.Add(ref) == 0 {
			continue
		}
		if err := ledger.PutJSON(tx, c.indexKey(tag), members); err != nil {
			return err
		}
	}
	return nil
}

// indexRemove drops the registration from each tag's index. A tag whose index
// becomes empty is deleted, which removes it from the global tag list.
func (c collection) indexRemove(tx *ledger.Tx, orgName, name string, tags []string) error {
	ref := ledger.Key(orgName, name)
	for _, tag := range tags {
		members, err := c.loadIndex(tx, tag)
		if err != nil {
			return err
		}
		if members.Remove(ref) == 0 {
			continue
		}
		if members.Len() == 0 {
			tx.Delete(c.indexKey(tag))
			continue
		}
		if err := ledger.PutJSON(tx, c.indexKey(tag), members); err != nil {
			return err
		}
	}
	return nil
}

// tags lists every tag currently referenced by at least one registration.
func (c collection) tags(r ledger.Reader) []string {
	keys := r.Keys(ledger.Prefix("registry", c.index))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		parts := ledger.SplitKey(k)
		out = append(out, parts[len(parts)-1])
	}
	return out
}

func (c collection) forTag(r ledger.Reader, tag string) ([]EntityRef, error) {
	members, err := c.loadIndex(r, tag)
	if err != nil {
		return nil, err
	}
	refs := make([]EntityRef, 0, members.Len())
	for _, m := range members.List() {
		parts := ledger.SplitKey(m)
		if len(parts) != 2 {
			continue
		}
		refs = append(refs, EntityRef{OrgName: parts[0], Name: parts[1]})
	}
	return refs, nil
}

func (c collection) namesFor(r ledger.Reader, orgName string) (bool, []string, error) {
	org, found, err := GetOrganization(r, orgName)
	if err != nil || !found {
		return found, nil, err
	}
	return true, c.names(org).List(), nil
}
