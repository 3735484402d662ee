package pgstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/ObiAU/alertrelay/internal/store"
)

func TestValidSchema(t *testing.T) {
	assert.NoError(t, validSchema("tenant_acme"))
	assert.NoError(t, validSchema("_t1"))
	assert.Error(t, validSchema("public"))
	assert.Error(t, validSchema("Acme"))
	assert.Error(t, validSchema("acme; DROP TABLE x"))
	assert.Error(t, validSchema(""))
}

func TestNotFoundMapsNoRows(t *testing.T) {
	assert.ErrorIs(t, notFound(pgx.ErrNoRows, "tenant 1"), store.ErrNotFound)
	err := notFound(errors.New("boom"), "tenant 1")
	assert.NotErrorIs(t, err, store.ErrNotFound)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("x")))
}
