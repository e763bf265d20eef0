package reldb

import (
	"context"
	"fmt"
	"strings"
)

// Table describes a mirrored table: its column set in insert order and its
// primary key columns.
type Table struct {
	Name    string
	Columns []string
	Key     []string
}

// HasColumn reports whether col belongs to the table.
func (t Table) HasColumn(col string) bool {
	for _, c := range t.Columns {
		if c == col {
			return true
		}
	}
	return false
}

func (t Table) isKey(col string) bool {
	for _, k := range t.Key {
		if k == col {
			return true
		}
	}
	return false
}

// Mirrored tables. Parents are listed before the children that reference
// them.
var (
	Clients = Table{
		Name:    "clients",
		Columns: []string{"id", "name", "contact", "email", "phone", "address", "status"},
		Key:     []string{"id"},
	}

	Divisions = Table{
		Name:    "divisions",
		Columns: []string{"id", "code", "name", "active"},
		Key:     []string{"id"},
	}

	TimeTypes = Table{
		Name:    "time_types",
		Columns: []string{"id", "code", "name", "description", "allowed_fields"},
		Key:     []string{"id"},
	}

	Profiles = Table{
		Name: "profiles",
		Columns: []string{
			"id", "given_name", "surname", "email", "default_division",
			"manager_uid", "payroll_id", "salary", "work_week_hours",
			"untracked_time_off", "active",
		},
		Key: []string{"id"},
	}

	Jobs = Table{
		Name: "jobs",
		Columns: []string{
			"id", "description", "client_id", "client", "manager",
			"manager_uid", "status", "parent_job", "proposal",
			"categories", "location", "project_award_date", "created_at",
		},
		Key: []string{"id"},
	}

	TimeSheets = Table{
		Name: "time_sheets",
		Columns: []string{
			"id", "uid", "given_name", "surname", "week_ending",
			"work_week_hours", "salary", "payroll_id", "manager_uid",
			"approved_at", "locked_at", "bank_entitlement",
		},
		Key: []string{"id"},
	}

	TimeEntries = Table{
		Name: "time_entries",
		Columns: []string{
			"timesheet_id", "line", "date", "time_type", "division",
			"job", "hours", "job_hours", "meals_hours", "description",
			"work_record", "payout_request_amount",
		},
		Key: []string{"timesheet_id", "line"},
	}

	TimeAmendments = Table{
		Name: "time_amendments",
		Columns: []string{
			"id", "uid", "given_name", "surname", "week_ending", "date",
			"time_type", "division", "job", "hours", "job_hours",
			"meals_hours", "description", "work_record", "creator",
			"committer", "committed_at",
		},
		Key: []string{"id"},
	}

	Expenses = Table{
		Name: "expenses",
		Columns: []string{
			"id", "uid", "given_name", "surname", "date",
			"pay_period_ending", "payment_type", "division", "job",
			"description", "vendor_name", "total", "distance",
			"attachment", "approver", "approved_at", "committer",
			"committed_at",
		},
		Key: []string{"id"},
	}

	Invoices = Table{
		Name: "invoices",
		Columns: []string{
			"id", "job", "number", "revision", "date", "replaces",
			"creator", "total",
		},
		Key: []string{"id"},
	}

	InvoiceLineItems = Table{
		Name: "invoice_line_items",
		Columns: []string{
			"invoice_id", "line", "line_type", "description", "amount",
		},
		Key: []string{"invoice_id", "line"},
	}
)

// AllTables lists every mirrored table, parents first.
var AllTables = []Table{
	Clients, Divisions, TimeTypes, Profiles, Jobs,
	TimeSheets, TimeEntries, TimeAmendments, Expenses,
	Invoices, InvoiceLineItems,
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	contact TEXT,
	email TEXT,
	phone TEXT,
	address TEXT,  -- JSON object
	status TEXT
);

CREATE TABLE IF NOT EXISTS divisions (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	name TEXT NOT NULL,
	active INTEGER DEFAULT 1
);

CREATE TABLE IF NOT EXISTS time_types (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	allowed_fields TEXT  -- comma delimited
);

CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	given_name TEXT,
	surname TEXT,
	email TEXT,
	default_division TEXT,
	manager_uid TEXT,
	payroll_id TEXT,
	salary INTEGER DEFAULT 0,
	work_week_hours REAL,
	untracked_time_off INTEGER DEFAULT 0,
	active INTEGER DEFAULT 1
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	description TEXT,
	client_id TEXT REFERENCES clients(id),
	client TEXT,
	manager TEXT,
	manager_uid TEXT,
	status TEXT,
	parent_job TEXT REFERENCES jobs(id),
	proposal TEXT,
	categories TEXT,  -- comma delimited
	location TEXT,
	project_award_date TEXT,
	created_at TEXT
);

CREATE TABLE IF NOT EXISTS time_sheets (
	id TEXT PRIMARY KEY,
	uid TEXT NOT NULL,
	given_name TEXT,
	surname TEXT,
	week_ending TEXT NOT NULL,
	work_week_hours REAL,
	salary INTEGER DEFAULT 0,
	payroll_id TEXT,
	manager_uid TEXT,
	approved_at TEXT,
	locked_at TEXT,
	bank_entitlement REAL
);

CREATE TABLE IF NOT EXISTS time_entries (
	timesheet_id TEXT NOT NULL,
	line INTEGER NOT NULL,
	date TEXT NOT NULL,
	time_type TEXT NOT NULL,
	division TEXT,
	job TEXT,
	hours REAL DEFAULT 0,
	job_hours REAL DEFAULT 0,
	meals_hours REAL DEFAULT 0,
	description TEXT,
	work_record TEXT,
	payout_request_amount REAL,
	PRIMARY KEY (timesheet_id, line),
	FOREIGN KEY (timesheet_id) REFERENCES time_sheets(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS time_amendments (
	id TEXT PRIMARY KEY,
	uid TEXT NOT NULL,
	given_name TEXT,
	surname TEXT,
	week_ending TEXT NOT NULL,
	date TEXT NOT NULL,
	time_type TEXT NOT NULL,
	division TEXT,
	job TEXT,
	hours REAL DEFAULT 0,
	job_hours REAL DEFAULT 0,
	meals_hours REAL DEFAULT 0,
	description TEXT,
	work_record TEXT,
	creator TEXT,
	committer TEXT,
	committed_at TEXT
);

CREATE TABLE IF NOT EXISTS expenses (
	id TEXT PRIMARY KEY,
	uid TEXT NOT NULL,
	given_name TEXT,
	surname TEXT,
	date TEXT NOT NULL,
	pay_period_ending TEXT,
	payment_type TEXT,
	division TEXT,
	job TEXT,
	description TEXT,
	vendor_name TEXT,
	total REAL DEFAULT 0,
	distance REAL,
	attachment TEXT,
	approver TEXT,
	approved_at TEXT,
	committer TEXT,
	committed_at TEXT
);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	job TEXT REFERENCES jobs(id),
	number TEXT NOT NULL,
	revision INTEGER DEFAULT 0,
	date TEXT NOT NULL,
	replaces TEXT,
	creator TEXT,
	total REAL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS invoice_line_items (
	invoice_id TEXT NOT NULL,
	line INTEGER NOT NULL,
	line_type TEXT NOT NULL,
	description TEXT,
	amount REAL DEFAULT 0,
	PRIMARY KEY (invoice_id, line),
	FOREIGN KEY (invoice_id) REFERENCES invoices(id) ON DELETE CASCADE
);

-- Indexes for reporting and writeback aggregation
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_job);
CREATE INDEX IF NOT EXISTS idx_jobs_client ON jobs(client_id);
CREATE INDEX IF NOT EXISTS idx_time_sheets_week ON time_sheets(week_ending);
CREATE INDEX IF NOT EXISTS idx_time_entries_job ON time_entries(job);
CREATE INDEX IF NOT EXISTS idx_time_amendments_job ON time_amendments(job);
CREATE INDEX IF NOT EXISTS idx_expenses_period ON expenses(pay_period_ending);
CREATE INDEX IF NOT EXISTS idx_invoices_job ON invoices(job);
`

// InitSchema creates the mirrored tables if they don't exist.
//
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support. Statements run
// one at a time since not every driver accepts multi-statement Exec.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaDDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
