package sql

import _ "embed"

// Schema is the DDL applied by db.Init. It is idempotent.
//
//go:embed schema.sql
var Schema string
