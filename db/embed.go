// Package db carries the SQL migrations so binaries can migrate without a
// checkout.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
