package migrations

import _ "embed"

// Migration represents a single SQL migration to apply in order.
type Migration struct {
	ID     string
	Script string
}

//go:embed 0001_aliases.sql
var aliases string

//go:embed 0002_phone_leases.sql
var phoneLeases string

//go:embed 0003_ledger.sql
var ledger string

// All lists migrations in application order.
var All = []Migration{
	{ID: "0001_aliases", Script: aliases},
	{ID: "0002_phone_leases", Script: phoneLeases},
	{ID: "0003_ledger", Script: ledger},
}
