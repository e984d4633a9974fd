package export

import (
	"github.com/agent-market/agent-market/internal/agent"
	"github.com/agent-market/agent-market/internal/registry"
	"github.com/agent-market/agent-market/internal/token"
)

// Param is a named, typed input or output.
type Param struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Operation describes one callable operation of an entity.
type Operation struct {
	Name    string   `json:"name"`
	Mutates bool     `json:"mutates"`
	Access  string   `json:"access,omitempty"`
	Inputs  []Param  `json:"inputs"`
	Outputs []Param  `json:"outputs"`
	Errors  []string `json:"errors,omitempty"`
}

// EventDescription describes an event and its attribute keys.
type EventDescription struct {
	Name       string   `json:"name"`
	Attributes []string `json:"attributes"`
}

// Interface is the published description of one entity type.
type Interface struct {
	Entity     string             `json:"entity"`
	Operations []Operation        `json:"operations"`
	Events     []EventDescription `json:"events"`
}

func p(name, typ string) Param { return Param{Name: name, Type: typ} }

func none() []Param { return []Param{} }

// Interfaces returns the descriptions for every entity type, in a fixed order.
func Interfaces() []Interface {
	return []Interface{
		registryInterface(),
		factoryInterface(),
		agentInterface(),
		jobInterface(),
		tokenInterface(),
	}
}

func registryInterface() Interface {
	orgTarget := []Param{p("orgName", "string"), p("name", "string")}
	withTags := append(append([]Param{}, orgTarget...), p("tags", "string[]"))
	collectionOps := func(noun, extra string) []Operation {
		create := append(append([]Param{}, orgTarget...), p(extra, "string"))
		if noun == "ServiceRegistration" {
			create = append(create, p("agent", "address"))
		}
		create = append(create, p("tags", "string[]"))
		return []Operation{
			{Name: "create" + noun, Mutates: true, Access: "owner|member", Inputs: create, Outputs: none(),
				Errors: []string{"NotFound", "DuplicateKey", "Unauthorized", "InvalidArgument"}},
			{Name: "delete" + noun, Mutates: true, Access: "owner|member", Inputs: orgTarget, Outputs: none(),
				Errors: []string{"NotFound", "Unauthorized"}},
			{Name: "addTagsTo" + noun, Mutates: true, Access: "owner|member", Inputs: withTags, Outputs: none(),
				Errors: []string{"NotFound", "Unauthorized"}},
			{Name: "removeTagsFrom" + noun, Mutates: true, Access: "owner|member", Inputs: withTags, Outputs: none(),
				Errors: []string{"NotFound", "Unauthorized"}},
		}
	}

	ops := []Operation{
		{Name: "createOrganization", Mutates: true, Inputs: []Param{p("name", "string"), p("members", "address[]")},
			Outputs: none(), Errors: []string{"DuplicateKey", "InvalidArgument"}},
		{Name: "deleteOrganization", Mutates: true, Access: "owner", Inputs: []Param{p("name", "string")},
			Outputs: none(), Errors: []string{"NotFound", "Unauthorized"}},
		{Name: "addOrganizationMembers", Mutates: true, Access: "owner",
			Inputs: []Param{p("name", "string"), p("members", "address[]")}, Outputs: none(),
			Errors: []string{"NotFound", "Unauthorized"}},
		{Name: "removeOrganizationMembers", Mutates: true, Access: "owner",
			Inputs: []Param{p("name", "string"), p("members", "address[]")}, Outputs: none(),
			Errors: []string{"NotFound", "Unauthorized"}},
		{Name: "listOrganizations", Inputs: none(), Outputs: []Param{p("names", "string[]")}},
		{Name: "getOrganizationByName", Inputs: []Param{p("name", "string")},
			Outputs: []Param{p("found", "bool"), p("name", "string"), p("owner", "address"),
				p("members", "address[]"), p("serviceNames", "string[]"), p("repositoryNames", "string[]")}},
	}
	ops = append(ops, collectionOps("ServiceRegistration", "endpoint")...)
	ops = append(ops,
		Operation{Name: "listServicesForOrganization", Inputs: []Param{p("orgName", "string")},
			Outputs: []Param{p("found", "bool"), p("names", "string[]")}},
		Operation{Name: "getServiceRegistrationByName", Inputs: orgTarget,
			Outputs: []Param{p("found", "bool"), p("name", "string"), p("endpoint", "string"),
				p("agent", "address"), p("tags", "string[]")}},
		Operation{Name: "listServiceTags", Inputs: none(), Outputs: []Param{p("tags", "string[]")}},
		Operation{Name: "listServicesForTag", Inputs: []Param{p("tag", "string")},
			Outputs: []Param{p("orgNames", "string[]"), p("names", "string[]")}},
	)
	ops = append(ops, collectionOps("TypeRepositoryRegistration", "uri")...)
	ops = append(ops,
		Operation{Name: "listTypeRepositoriesForOrganization", Inputs: []Param{p("orgName", "string")},
			Outputs: []Param{p("found", "bool"), p("names", "string[]")}},
		Operation{Name: "getTypeRepositoryByName", Inputs: orgTarget,
			Outputs: []Param{p("found", "bool"), p("name", "string"), p("uri", "string"), p("tags", "string[]")}},
		Operation{Name: "listTypeRepositoryTags", Inputs: none(), Outputs: []Param{p("tags", "string[]")}},
		Operation{Name: "listTypeRepositoriesForTag", Inputs: []Param{p("tag", "string")},
			Outputs: []Param{p("orgNames", "string[]"), p("names", "string[]")}},
		Operation{Name: "createRecord", Mutates: true, Inputs: []Param{p("name", "string"), p("agent", "address")},
			Outputs: none(), Errors: []string{"DuplicateKey", "InvalidArgument"}},
		Operation{Name: "deprecateRecord", Mutates: true, Access: "creator", Inputs: []Param{p("name", "string")},
			Outputs: none(), Errors: []string{"NotFound", "Unauthorized"}},
		Operation{Name: "listRecords", Inputs: none(),
			Outputs: []Param{p("names", "string[]"), p("agents", "address[]")}},
	)

	entity := []string{"organization", "name"}
	return Interface{
		Entity:     "Registry",
		Operations: ops,
		Events: []EventDescription{
			{Name: registry.EventOrganizationCreated, Attributes: []string{"organization"}},
			{Name: registry.EventOrganizationDeleted, Attributes: []string{"organization"}},
			{Name: registry.EventOrganizationMembersChanged, Attributes: []string{"organization", "members"}},
			{Name: registry.EventServiceCreated, Attributes: append(entity, "tags")},
			{Name: registry.EventServiceDeleted, Attributes: entity},
			{Name: registry.EventServiceTagsChanged, Attributes: append(entity, "added|removed")},
			{Name: registry.EventTypeRepositoryCreated, Attributes: append(entity, "tags")},
			{Name: registry.EventTypeRepositoryDeleted, Attributes: entity},
			{Name: registry.EventTypeRepositoryTagsChanged, Attributes: append(entity, "added|removed")},
			{Name: registry.EventRecordCreated, Attributes: []string{"name"}},
			{Name: registry.EventRecordDeprecated, Attributes: []string{"name"}},
		},
	}
}

func factoryInterface() Interface {
	return Interface{
		Entity: "AgentFactory",
		Operations: []Operation{
			{Name: "createAgent", Mutates: true, Inputs: []Param{p("price", "uint256"), p("endpoint", "string")},
				Outputs: []Param{p("agent", "address")}},
		},
		Events: []EventDescription{
			{Name: agent.EventAgentCreated, Attributes: []string{"agent", "owner", "price", "endpoint"}},
		},
	}
}

func agentInterface() Interface {
	jobArgs := []Param{p("job", "address"), p("v", "uint8"), p("r", "bytes32"), p("s", "bytes32")}
	return Interface{
		Entity: "Agent",
		Operations: []Operation{
			{Name: "createJob", Mutates: true, Inputs: none(), Outputs: []Param{p("job", "address")}},
			{Name: "validateJobInvocation", Inputs: jobArgs, Outputs: []Param{p("valid", "bool")},
				Errors: []string{"InvalidJobState", "InvalidSignature"}},
			{Name: "completeJob", Mutates: true, Access: "agent", Inputs: jobArgs, Outputs: none(),
				Errors: []string{"InvalidJobState", "InvalidSignature"}},
			{Name: "setPrice", Mutates: true, Access: "owner", Inputs: []Param{p("price", "uint256")}, Outputs: none(),
				Errors: []string{"Unauthorized"}},
			{Name: "setEndpoint", Mutates: true, Access: "owner", Inputs: []Param{p("endpoint", "string")}, Outputs: none(),
				Errors: []string{"Unauthorized"}},
			{Name: "transferOwnership", Mutates: true, Access: "owner", Inputs: []Param{p("newOwner", "address")},
				Outputs: none(), Errors: []string{"Unauthorized"}},
			{Name: "owner", Inputs: none(), Outputs: []Param{p("owner", "address")}},
			{Name: "currentPrice", Inputs: none(), Outputs: []Param{p("price", "uint256")}},
			{Name: "endpoint", Inputs: none(), Outputs: []Param{p("endpoint", "string")}},
			{Name: "state", Inputs: none(), Outputs: []Param{p("state", "uint8")}},
		},
		Events: []EventDescription{
			{Name: agent.EventAgentUpdated, Attributes: []string{"price|endpoint|owner"}},
			{Name: agent.EventJobCreated, Attributes: []string{"job", "agent", "consumer", "price"}},
		},
	}
}

func jobInterface() Interface {
	return Interface{
		Entity: "Job",
		Operations: []Operation{
			{Name: "fundJob", Mutates: true, Access: "consumer", Inputs: none(), Outputs: none(),
				Errors: []string{"InvalidJobState", "Unauthorized", "InsufficientBalance", "InsufficientAllowance"}},
			{Name: "completeJob", Mutates: true, Access: "agent", Inputs: none(), Outputs: none(),
				Errors: []string{"InvalidJobState", "Unauthorized"}},
			{Name: "agent", Inputs: none(), Outputs: []Param{p("agent", "address")}},
			{Name: "consumer", Inputs: none(), Outputs: []Param{p("consumer", "address")}},
			{Name: "jobPrice", Inputs: none(), Outputs: []Param{p("price", "uint256")}},
			{Name: "state", Inputs: none(), Outputs: []Param{p("state", "uint8")}},
		},
		Events: []EventDescription{
			{Name: agent.EventJobFunded, Attributes: []string{"job", "agent", "funder", "amount"}},
			{Name: agent.EventJobCompleted, Attributes: []string{"job", "agent", "payee", "amount"}},
		},
	}
}

func tokenInterface() Interface {
	amountErrs := []string{"InsufficientBalance"}
	return Interface{
		Entity: "Token",
		Operations: []Operation{
			{Name: "name", Inputs: none(), Outputs: []Param{p("name", "string")}},
			{Name: "symbol", Inputs: none(), Outputs: []Param{p("symbol", "string")}},
			{Name: "decimals", Inputs: none(), Outputs: []Param{p("decimals", "uint8")}},
			{Name: "totalSupply", Inputs: none(), Outputs: []Param{p("supply", "uint256")}},
			{Name: "balanceOf", Inputs: []Param{p("owner", "address")}, Outputs: []Param{p("balance", "uint256")}},
			{Name: "allowance", Inputs: []Param{p("owner", "address"), p("spender", "address")},
				Outputs: []Param{p("remaining", "uint256")}},
			{Name: "approve", Mutates: true, Inputs: []Param{p("spender", "address"), p("value", "uint256")},
				Outputs: none()},
			{Name: "transfer", Mutates: true, Inputs: []Param{p("to", "address"), p("value", "uint256")},
				Outputs: none(), Errors: amountErrs},
			{Name: "transferFrom", Mutates: true,
				Inputs:  []Param{p("from", "address"), p("to", "address"), p("value", "uint256")},
				Outputs: none(), Errors: append(amountErrs, "InsufficientAllowance")},
			{Name: "mint", Mutates: true, Access: "minter", Inputs: []Param{p("to", "address"), p("value", "uint256")},
				Outputs: none(), Errors: []string{"Unauthorized"}},
		},
		Events: []EventDescription{
			{Name: token.EventTransfer, Attributes: []string{"from", "to", "value"}},
			{Name: token.EventApproval, Attributes: []string{"owner", "spender", "value"}},
		},
	}
}
