// Package all registers every warehouse backend with the storage registry.
//
// Binaries import it for side effects:
//
//	import _ "attendsync/internal/storage/all"
package all

import (
	_ "attendsync/internal/storage/bigquery"
	_ "attendsync/internal/storage/mssql"
	_ "attendsync/internal/storage/postgres"
	_ "attendsync/internal/storage/sqlite"
)
