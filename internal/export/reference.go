package export

import (
	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/reldb"
)

var Clients = Entity{
	Name:       "clients",
	Collection: "clients",
	Table:      reldb.Clients,
	Referenced: true,
	Map: func(m *Mapper, doc docstore.Document) (Mapped, error) {
		r := m.record(doc)
		return Mapped{Row: reldb.Row{
			"id":      doc.ID,
			"name":    r.requiredText("name"),
			"contact": r.text("contact"),
			"email":   r.text("email"),
			"phone":   r.text("phone"),
			"address": r.json("address"),
			"status":  r.text("status"),
		}}, r.err()
	},
}

var Divisions = Entity{
	Name:       "divisions",
	Collection: "divisions",
	Table:      reldb.Divisions,
	Map: func(m *Mapper, doc docstore.Document) (Mapped, error) {
		r := m.record(doc)
		return Mapped{Row: reldb.Row{
			"id":     doc.ID,
			"code":   r.requiredText("code"),
			"name":   r.requiredText("name"),
			"active": r.flag("active"),
		}}, r.err()
	},
}

var TimeTypes = Entity{
	Name:       "timetypes",
	Collection: "timetypes",
	Table:      reldb.TimeTypes,
	Map: func(m *Mapper, doc docstore.Document) (Mapped, error) {
		r := m.record(doc)
		return Mapped{Row: reldb.Row{
			"id":             doc.ID,
			"code":           r.requiredText("code"),
			"name":           r.requiredText("name"),
			"description":    r.text("description"),
			"allowed_fields": r.list("allowed"),
		}}, r.err()
	},
}

var Profiles = Entity{
	Name:       "profiles",
	Collection: "profiles",
	Table:      reldb.Profiles,
	Map: func(m *Mapper, doc docstore.Document) (Mapped, error) {
		r := m.record(doc)
		return Mapped{Row: reldb.Row{
			"id":                 doc.ID,
			"given_name":         r.text("givenName"),
			"surname":            r.text("surname"),
			"email":              r.text("email"),
			"default_division":   r.text("defaultDivision"),
			"manager_uid":        r.text("managerUid"),
			"payroll_id":         r.text("payrollId"),
			"salary":             r.flag("salary"),
			"work_week_hours":    r.number("workWeekHours"),
			"untracked_time_off": r.flag("untrackedTimeOff"),
			"active":             r.flag("active"),
		}}, r.err()
	},
}

// Jobs may reference a parent job exported in the same batch, in any order.
var Jobs = Entity{
	Name:             "jobs",
	Collection:       "jobs",
	Table:            reldb.Jobs,
	DeferForeignKeys: true,
	Referenced:       true,
	Map:              mapJob,
}

func mapJob(m *Mapper, doc docstore.Document) (Mapped, error) {
	r := m.record(doc)
	row := reldb.Row{
		"id":                 doc.ID,
		"description":        r.text("description"),
		"client_id":          r.text("clientId"),
		"client":             r.text("client"),
		"manager":            r.text("manager"),
		"manager_uid":        r.text("managerUid"),
		"status":             r.text("status"),
		"parent_job":         r.text("parentJob"),
		"proposal":           r.text("proposal"),
		"categories":         r.list("categories"),
		"location":           r.text("location"),
		"project_award_date": r.date("projectAwardDate"),
		"created_at":         r.timestamp("createdAt"),
	}
	// Empty references are stored as NULL so foreign keys stay satisfied.
	for _, col := range []string{"client_id", "parent_job"} {
		if row[col] == "" {
			row[col] = nil
		}
	}
	if row["parent_job"] == doc.ID {
		r.fail("parentJob", "job cannot be its own parent")
	}
	return Mapped{Row: row}, r.err()
}
