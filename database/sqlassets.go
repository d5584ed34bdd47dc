package sqlassets

import _ "embed"

// IdentitySQL holds the idempotent DDL for farms, accounts and farm-scoped collections.
//
//go:embed schema/identity.sql
var IdentitySQL string
