package export

import (
	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/reldb"
)

// TimeSheets exports submitted, approved and locked timesheets with their
// entries.
var TimeSheets = Entity{
	Name:       "timesheets",
	Collection: "timesheets",
	Table:      reldb.TimeSheets,
	Child:      &ChildTable{Table: reldb.TimeEntries, ParentColumn: "timesheet_id"},
	Filters:    flagsSet("submitted", "approved", "locked"),
	OrderBy:    "weekEnding",
	TrackBy:    "weekEnding",
	Map:        mapTimeSheet,
}

func mapTimeSheet(m *Mapper, doc docstore.Document) (Mapped, error) {
	r := m.record(doc)
	row := reldb.Row{
		"id":               doc.ID,
		"uid":              r.requiredText("uid"),
		"given_name":       r.text("givenName"),
		"surname":          r.text("surname"),
		"week_ending":      r.requiredDate("weekEnding"),
		"work_week_hours":  r.number("workWeekHours"),
		"salary":           r.flag("salary"),
		"payroll_id":       r.text("payrollId"),
		"manager_uid":      r.text("managerUid"),
		"approved_at":      r.timestamp("approvedAt"),
		"locked_at":        r.timestamp("lockedAt"),
		"bank_entitlement": r.number("bankEntitlement"),
	}

	var children []reldb.Row
	for i, e := range r.items("entries") {
		line := i + 1
		children = append(children, reldb.Row{
			"timesheet_id":          doc.ID,
			"line":                  int64(line),
			"date":                  e.requiredDate("date"),
			"time_type":             e.requiredText("timeType"),
			"division":              e.text("division"),
			"job":                   e.text("job"),
			"hours":                 e.number("hours"),
			"job_hours":             e.number("jobHours"),
			"meals_hours":           e.number("mealsHours"),
			"description":           e.text("description"),
			"work_record":           e.text("workRecord"),
			"payout_request_amount": e.number("payoutRequestAmount"),
		})
		r.absorb(e, "entries", line)
	}
	return Mapped{Row: row, Children: children}, r.err()
}

// TimeAmendments exports committed amendments in commit order.
var TimeAmendments = Entity{
	Name:       "timeamendments",
	Collection: "timeamendments",
	Table:      reldb.TimeAmendments,
	Filters:    flagsSet("committed"),
	OrderBy:    "commitTime",
	Map:        mapTimeAmendment,
}

func mapTimeAmendment(m *Mapper, doc docstore.Document) (Mapped, error) {
	r := m.record(doc)
	row := reldb.Row{
		"id":           doc.ID,
		"uid":          r.requiredText("uid"),
		"given_name":   r.text("givenName"),
		"surname":      r.text("surname"),
		"week_ending":  r.requiredDate("weekEnding"),
		"date":         r.requiredDate("date"),
		"time_type":    r.requiredText("timeType"),
		"division":     r.text("division"),
		"job":          r.text("job"),
		"hours":        r.number("hours"),
		"job_hours":    r.number("jobHours"),
		"meals_hours":  r.number("mealsHours"),
		"description":  r.text("description"),
		"work_record":  r.text("workRecord"),
		"creator":      r.text("creator"),
		"committer":    r.text("committer"),
		"committed_at": r.timestamp("commitTime"),
	}
	return Mapped{Row: row}, r.err()
}

// Expenses exports committed expenses in commit order, tracked by pay
// period.
var Expenses = Entity{
	Name:       "expenses",
	Collection: "expenses",
	Table:      reldb.Expenses,
	Filters:    flagsSet("committed"),
	OrderBy:    "commitTime",
	TrackBy:    "payPeriodEnding",
	Map:        mapExpense,
}

func mapExpense(m *Mapper, doc docstore.Document) (Mapped, error) {
	r := m.record(doc)
	row := reldb.Row{
		"id":                doc.ID,
		"uid":               r.requiredText("uid"),
		"given_name":        r.text("givenName"),
		"surname":           r.text("surname"),
		"date":              r.requiredDate("date"),
		"pay_period_ending": r.date("payPeriodEnding"),
		"payment_type":      r.text("paymentType"),
		"division":          r.text("division"),
		"job":               r.text("job"),
		"description":       r.text("description"),
		"vendor_name":       r.text("vendorName"),
		"total":             r.number("total"),
		"distance":          r.number("distance"),
		"attachment":        r.text("attachment"),
		"approver":          r.text("approver"),
		"approved_at":       r.timestamp("approvedAt"),
		"committer":         r.text("committer"),
		"committed_at":      r.timestamp("commitTime"),
	}
	return Mapped{Row: row}, r.err()
}

// Invoices exports invoices with their line items in date order.
var Invoices = Entity{
	Name:       "invoices",
	Collection: "invoices",
	Table:      reldb.Invoices,
	Child:      &ChildTable{Table: reldb.InvoiceLineItems, ParentColumn: "invoice_id"},
	OrderBy:    "date",
	Map:        mapInvoice,
}

func mapInvoice(m *Mapper, doc docstore.Document) (Mapped, error) {
	r := m.record(doc)
	row := reldb.Row{
		"id":       doc.ID,
		"job":      r.text("job"),
		"number":   r.requiredText("number"),
		"revision": r.integer("revision"),
		"date":     r.requiredDate("date"),
		"replaces": r.text("replaces"),
		"creator":  r.text("creator"),
	}

	var children []reldb.Row
	var sum float64
	for i, item := range r.items("lineItems") {
		line := i + 1
		amount := item.number("amount")
		if f, ok := amount.(float64); ok {
			sum += f
		}
		children = append(children, reldb.Row{
			"invoice_id":  doc.ID,
			"line":        int64(line),
			"line_type":   item.requiredText("lineType"),
			"description": item.text("description"),
			"amount":      amount,
		})
		r.absorb(item, "lineItems", line)
	}

	// Invoices written before totals were stored carry only line items.
	row["total"] = r.number("total")
	if row["total"] == nil {
		row["total"] = sum
	}
	return Mapped{Row: row, Children: children}, r.err()
}
