package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ObiAU/alertrelay/internal/config"
	"github.com/ObiAU/alertrelay/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.DatabaseDriver = "sqlite"
	cfg.DatabasePath = filepath.Join(t.TempDir(), "app.db")
	cfg.ConfigFile = ""
	cfg.OpenAIAPIKey = ""
	cfg.LogLevel = "error"
	return cfg
}

func TestNewApp(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.store.UpsertTenant(ctx, models.Tenant{Slug: "acme", Name: "Acme", Active: true})
	require.NoError(t, err)

	tenant, err := a.tenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", tenant.Name)

	_, err = a.tenant(ctx, "")
	assert.Error(t, err)

	code, err := a.registration.Issue(ctx, tenant, 0)
	require.NoError(t, err)
	assert.Len(t, code.Code, 8)
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseDriver = "mysql"
	_, err := newApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown database driver")

	cfg.DatabaseDriver = "postgres"
	cfg.DatabaseURL = ""
	_, err = newApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestTargetFlagsValidate(t *testing.T) {
	f := targetFlags{tenant: "acme", kind: "metric", id: 2}
	req, err := f.request()
	require.NoError(t, err)
	assert.Equal(t, models.SourceMetric, req.Kind)

	f.kind = "ftp"
	_, err = f.request()
	assert.Error(t, err)
}
