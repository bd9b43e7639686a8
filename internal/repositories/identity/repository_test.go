package identity

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeDB struct{}

func (db *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, nil, nil
}
func (db *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return driver.RowsAffected(1), nil
}
func (db *fakeDB) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (db *fakeDB) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (db *fakeDB) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	return nil, nil
}
func (db *fakeDB) NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error) {
	return driver.RowsAffected(1), nil
}
func (db *fakeDB) Ping() error                           { return nil }
func (db *fakeDB) PingContext(ctx context.Context) error { return nil }
func (db *fakeDB) Close() error                          { return nil }

func TestRepository_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracing.SetTracer(provider.Tracer("test"))
	t.Cleanup(func() { tracing.SetTracer(nil) })

	repo := NewRepository(&fakeDB{}, testLogger())
	ctx := context.Background()

	email := "alex@example.com"
	_, err := repo.Create(ctx, &models.CanonicalIdentity{
		TenantID:       "tenant-1",
		CanonicalName:  "Alex Thompson",
		CanonicalEmail: &email,
	})
	require.NoError(t, err)

	_, err = repo.Get(ctx, "tenant-1", "id-1")
	require.NoError(t, err)

	err = repo.MarkMerged(ctx, "tenant-1", "dup-1", "survivor-1")
	require.NoError(t, err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Equal(t, []string{
		"identity.Repository.Create",
		"identity.Repository.Get",
		"identity.Repository.MarkMerged",
	}, names)
}
