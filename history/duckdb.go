//go:build duckdb

package history

import _ "github.com/marcboeker/go-duckdb"
