// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestNewStoreSharesPoolAndLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *pgxpool.Pool

	store := NewStore(pool, logger)
	if store == nil {
		t.Fatal("expected store instance")
	}
	if store.EntityRepository.pool != pool || store.ReviewRepository.pool != pool {
		t.Fatal("expected pool reference to be preserved")
	}
	if store.StoryRepository.logger != logger || store.EventRepository.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
}

func TestNewRepositoriesDefaultLogger(t *testing.T) {
	if NewEntityRepository(nil, nil).logger == nil {
		t.Fatal("expected default logger for entity repository")
	}
	if NewReviewRepository(nil, nil).logger == nil {
		t.Fatal("expected default logger for review repository")
	}
}

func TestPrefixedColumnsMatchEntityColumns(t *testing.T) {
	plain := strings.Fields(strings.ReplaceAll(entityColumns, ",", " "))
	aliased := strings.Fields(strings.ReplaceAll(prefixed("e"), ",", " "))
	if len(plain) != len(aliased) {
		t.Fatalf("expected %d columns got %d", len(plain), len(aliased))
	}
	for i := range plain {
		if aliased[i] != "e."+plain[i] {
			t.Fatalf("column %d: expected e.%s got %s", i, plain[i], aliased[i])
		}
	}
}

func TestNullJSON(t *testing.T) {
	if nullJSON(nil) != nil {
		t.Fatal("expected empty input to map to NULL")
	}
	if got := nullJSON([]byte(`{"a":1}`)); got != `{"a":1}` {
		t.Fatalf("expected raw JSON text got %v", got)
	}
}
