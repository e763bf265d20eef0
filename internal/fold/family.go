package fold

import (
	"fmt"
)

// Family declares how one staging collection folds into its canonical
// collection.
type Family struct {
	// Name identifies the family in logs, cursors and the CLI
	Name string `mapstructure:"name" yaml:"name" toml:"name" json:"name"`

	// Staging is the collection written by the external feed
	Staging string `mapstructure:"staging" yaml:"staging" toml:"staging" json:"staging"`

	// Dest is the canonical collection
	Dest string `mapstructure:"dest" yaml:"dest" toml:"dest" json:"dest"`

	// Pairs define the identity match between staging and canonical records
	Pairs []FieldPair `mapstructure:"pairs" yaml:"pairs" toml:"pairs" json:"pairs"`

	// Preserve lists destination fields the feed does not own
	Preserve []string `mapstructure:"preserve" yaml:"preserve" toml:"preserve" json:"preserve"`

	// Export names the export entity of Dest, if it has one. Writes to an
	// exportable destination take that entity's lock and reset exported.
	Export string `mapstructure:"export" yaml:"export" toml:"export" json:"export,omitempty"`
}

// Exportable reports whether the destination is mirrored by an exporter.
func (f Family) Exportable() bool {
	return f.Export != ""
}

// Validate checks the family declaration.
func (f Family) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("family name is required")
	}
	if f.Staging == "" || f.Dest == "" {
		return fmt.Errorf("family %s: staging and dest collections are required", f.Name)
	}
	if f.Staging == f.Dest {
		return fmt.Errorf("family %s: staging and dest must differ", f.Name)
	}
	if len(f.Pairs) == 0 {
		return fmt.Errorf("family %s: at least one field pair is required", f.Name)
	}
	for _, p := range f.Pairs {
		if p.Source == "" || p.Dest == "" {
			return fmt.Errorf("family %s: field pair %q is incomplete", f.Name, p.String())
		}
	}
	return nil
}

// ValidateFamilies checks every family and rejects duplicate names.
func ValidateFamilies(families []Family) error {
	seen := map[string]bool{}
	for _, f := range families {
		if err := f.Validate(); err != nil {
			return err
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate family %s", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// JobAggregateFields are maintained on jobs by writeback.
var JobAggregateFields = []string{"totalHours", "lastTimeEntryDate", "hasTimeEntries"}

// DefaultFamilies returns the built-in families in dependency order:
// reference entities before the records that point at them.
func DefaultFamilies() []Family {
	return []Family{
		{
			Name:    "clients",
			Staging: "clientsWriteback",
			Dest:    "clients",
			Pairs:   []FieldPair{{Source: IDField, Dest: IDField}},
			Export:  "clients",
		},
		{
			Name:     "jobs",
			Staging:  "jobsWriteback",
			Dest:     "jobs",
			Pairs:    []FieldPair{{Source: IDField, Dest: IDField}},
			Preserve: JobAggregateFields,
			Export:   "jobs",
		},
		{
			Name:     "profiles",
			Staging:  "profilesWriteback",
			Dest:     "profiles",
			Pairs:    []FieldPair{{Source: "payrollId", Dest: "payrollId"}},
			Preserve: []string{"defaultDivision", "managerUid", "untrackedTimeOff"},
			Export:   "profiles",
		},
	}
}

// Find returns the family named name.
func Find(families []Family, name string) (Family, bool) {
	for _, f := range families {
		if f.Name == name {
			return f, true
		}
	}
	return Family{}, false
}
