// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the SQL schema applied by persistence/postgres.
package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var embeddedFiles embed.FS

type File struct {
	Name string
	SQL  string
	// Checksum is the hex sha256 of SQL. An applied migration whose file
	// later changes is reported as drift.
	Checksum string
}

// Ordered returns the migrations sorted by file name. Names must start with
// a numeric version so lexical order is apply order.
func Ordered() ([]File, error) {
	names, err := fs.Glob(embeddedFiles, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	files := make([]File, 0, len(names))
	for _, name := range names {
		if name == "" || name[0] < '0' || name[0] > '9' {
			return nil, fmt.Errorf("migration %q has no numeric version prefix", name)
		}
		body, err := embeddedFiles.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(body)) == "" {
			return nil, fmt.Errorf("migration %q is empty", name)
		}
		sum := sha256.Sum256(body)
		files = append(files, File{Name: name, SQL: string(body), Checksum: hex.EncodeToString(sum[:])})
	}
	return files, nil
}
