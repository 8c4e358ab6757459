// Package migrations embeds the tenant schema migrations so the server can
// provision tenants without a migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
