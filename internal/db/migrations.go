package db

import "embed"

// Migrations holds the SQL schema migrations applied by `taskdesk migrate`.
//
//go:embed migrations/*.sql
var Migrations embed.FS
