package tables

import "fmt"

const (
	Experiments = "experiments"
	Individuals = "individuals"
	Answers     = "answers"
	Statements  = "statements"
)

// registry lists the tables in the order a run processes them.
var registry = []*Schema{
	{
		Name: Experiments,
		Columns: []Column{
			{Name: IDColumn, Kind: Int},
			{Name: "experimentId", Kind: String},
			{Name: "sessionId", Kind: String},
			{Name: "experimentType", Kind: String},
			{Name: "userAgent", Kind: String},
			{Name: "urlParams", Kind: String, Redact: true},
			{Name: "createdAt", Kind: Time},
		},
	},
	{
		Name: Individuals,
		Columns: []Column{
			{Name: IDColumn, Kind: Int},
			{Name: "sessionId", Kind: String},
			{Name: "experimentId", Kind: String},
			{Name: "urlParams", Kind: String, Redact: true},
			{Name: "demographics", Kind: String},
			{Name: "crt", Kind: String},
			{Name: "consented", Kind: Bool},
			{Name: "createdAt", Kind: Time},
			{Name: "updatedAt", Kind: Time},
		},
	},
	{
		Name: Answers,
		Columns: []Column{
			{Name: IDColumn, Kind: Int},
			{Name: "sessionId", Kind: String},
			{Name: "statementId", Kind: Int},
			{Name: "I_agree", Kind: Int},
			{Name: "I_agree_reason", Kind: String},
			{Name: "others_agree", Kind: Int},
			{Name: "others_agree_reason", Kind: String},
			{Name: "perceived_commonsense", Kind: Int},
			{Name: "clarity", Kind: String},
			{Name: "origLanguage", Kind: String},
			{Name: "createdAt", Kind: Time},
		},
	},
	{
		Name: Statements,
		Columns: []Column{
			{Name: IDColumn, Kind: Int},
			{Name: "statement", Kind: String},
			{Name: "published", Kind: Bool},
			{Name: "statementSource", Kind: String},
			{Name: "origLanguage", Kind: String},
			{Name: "createdAt", Kind: Time},
		},
	},
}

// All returns every registered schema in processing order.
func All() []*Schema {
	return registry
}

// Names returns the registered table names in processing order.
func Names() []string {
	names := make([]string, len(registry))
	for i, s := range registry {
		names[i] = s.Name
	}

	return names
}

func Lookup(name string) (*Schema, error) {
	for _, s := range registry {
		if s.Name == name {
			return s, nil
		}
	}

	return nil, fmt.Errorf("unknown table: %s", name)
}
