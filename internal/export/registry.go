package export

import (
	"fmt"
)

// DefaultEntities returns the built-in entities in dependency order:
// referenced tables are exported before the tables that point at them.
func DefaultEntities() []Entity {
	return []Entity{
		Clients,
		Divisions,
		TimeTypes,
		Profiles,
		Jobs,
		TimeSheets,
		TimeAmendments,
		Expenses,
		Invoices,
	}
}

// Lookup returns the entity named name.
func Lookup(entities []Entity, name string) (Entity, error) {
	for _, e := range entities {
		if e.Name == name {
			return e, nil
		}
	}
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	return Entity{}, fmt.Errorf("unknown entity %q (known: %v)", name, names)
}

// ValidateEntities checks every entity and rejects duplicate names.
func ValidateEntities(entities []Entity) error {
	seen := map[string]bool{}
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return err
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate entity %s", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}
