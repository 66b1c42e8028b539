package migrations

import (
	"embed"
	"fmt"
	"io/fs"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed schema/**/*.sql
var schemaFS embed.FS

// Schema returns the embedded schema filesystem
func Schema() fs.FS {
	fs, err := fs.Sub(schemaFS, "schema")
	if err != nil {
		panic(err) // should never happen since we control the embed path
	}
	return fs
}

// Apply runs every embedded schema file on conn in lexical order. All
// statements are idempotent.
func Apply(conn *sqlite.Conn) error {
	schema := Schema()
	return fs.WalkDir(schema, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		sqlBytes, err := fs.ReadFile(schema, path)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", path, err)
		}
		if err := sqlitex.ExecuteScript(conn, string(sqlBytes), nil); err != nil {
			return fmt.Errorf("migrations: apply %s: %w", path, err)
		}
		return nil
	})
}
