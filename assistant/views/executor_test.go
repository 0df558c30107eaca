package views

import (
	"context"
	"errors"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

func newExecutorWithMock(t *testing.T) (*Executor, sqlmock.Sqlmock, *[]time.Duration) {
	t.Helper()
	db, mock := newMockDB(t)
	e, err := NewExecutor(db, ExecutorConfig{RowLimitCeiling: 200, QueryTimeout: time.Second, RetryBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, mock, &slept
}

func expectColumns(mock sqlmock.Sqlmock, view string, columns ...string) {
	rows := sqlmock.NewRows([]string{"column_name"})
	for _, col := range columns {
		rows.AddRow(col)
	}
	mock.ExpectQuery(regexp.QuoteMeta(viewColumnsQuery)).WithArgs(view).WillReturnRows(rows)
}

func TestQueryBuildsParameterizedSelect(t *testing.T) {
	t.Parallel()

	e, mock, _ := newExecutorWithMock(t)
	expectColumns(mock, "v_orders", "id", "status", "customer_phone")

	// The filter value carries SQL metacharacters; the statement text must
	// stay fixed and the value must travel as a bound parameter.
	hostile := `x'; DROP TABLE orders;--`
	wantSQL := `SELECT * FROM "v_orders" WHERE "customer_phone" = $1 AND "status" = $2 ORDER BY "id" DESC LIMIT $3`
	mock.ExpectQuery(regexp.QuoteMeta(wantSQL)).
		WithArgs(hostile, "paid", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(int64(7), "paid"))

	rows, err := e.Query(context.Background(), "v_orders", contractx.QueryFilter{
		Equals:     map[string]any{"status": "paid", "customer_phone": hostile},
		OrderBy:    "id",
		Descending: true,
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Values["status"] != "paid" {
		t.Fatalf("unexpected row: %+v", rows[0].Values)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("query shape mismatch: %v", err)
	}
}

func TestQueryLimitCeiling(t *testing.T) {
	t.Parallel()

	cases := []struct {
		requested int
		want      int
	}{
		{0, 200},
		{-5, 200},
		{1000, 200},
		{25, 25},
	}

	for _, tc := range cases {
		e, mock, _ := newExecutorWithMock(t)
		expectColumns(mock, "v_products", "id")
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "v_products" LIMIT $1`)).
			WithArgs(tc.want).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		if _, err := e.Query(context.Background(), "v_products", contractx.QueryFilter{Limit: tc.requested}); err != nil {
			t.Fatalf("Query(limit=%d) error = %v", tc.requested, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("limit=%d: %v", tc.requested, err)
		}
	}
}

func TestQuerySchemaMismatch(t *testing.T) {
	t.Parallel()

	e, mock, _ := newExecutorWithMock(t)
	expectColumns(mock, "v_products", "id", "name")

	_, err := e.Query(context.Background(), "v_products", contractx.QueryFilter{
		Equals: map[string]any{"missing_col": 1},
	})
	if !errors.Is(err, contractx.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}

	e2, mock2, _ := newExecutorWithMock(t)
	expectColumns(mock2, "v_products", "id", "name")
	_, err = e2.Query(context.Background(), "v_products", contractx.QueryFilter{OrderBy: "ghost"})
	if !errors.Is(err, contractx.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch for order column, got %v", err)
	}
}

func TestQueryRejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	e, _, _ := newExecutorWithMock(t)

	if _, err := e.Query(context.Background(), `v_products; DROP`, contractx.QueryFilter{}); !errors.Is(err, contractx.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch for view name, got %v", err)
	}

	e2, mock2, _ := newExecutorWithMock(t)
	expectColumns(mock2, "v_products", "id")
	_, err := e2.Query(context.Background(), "v_products", contractx.QueryFilter{
		Equals: map[string]any{`id" OR 1=1`: 1},
	})
	if !errors.Is(err, contractx.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch for filter column, got %v", err)
	}
}

func TestQueryRetriesOnceOnConnectionError(t *testing.T) {
	t.Parallel()

	e, mock, slept := newExecutorWithMock(t)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectQuery(regexp.QuoteMeta(viewColumnsQuery)).
		WithArgs("v_stock").
		WillReturnError(&net.OpError{Op: "read", Err: errors.New("connection reset")})
	expectColumns(mock, "v_stock", "sku", "qty")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "v_stock" LIMIT $1`)).
		WithArgs(200).
		WillReturnRows(sqlmock.NewRows([]string{"sku", "qty"}).AddRow("A-1", int64(3)))

	rows, err := e.Query(context.Background(), "v_stock", contractx.QueryFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if len(*slept) != 1 {
		t.Fatalf("expected one backoff sleep, got %d", len(*slept))
	}
}

func TestQueryConnectionFailureAfterRetry(t *testing.T) {
	t.Parallel()

	e, mock, slept := newExecutorWithMock(t)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta(viewColumnsQuery)).
			WithArgs("v_stock").
			WillReturnError(&net.OpError{Op: "dial", Err: errors.New("refused")})
	}

	_, err := e.Query(context.Background(), "v_stock", contractx.QueryFilter{})
	if !errors.Is(err, contractx.ErrQueryConnection) {
		t.Fatalf("expected ErrQueryConnection, got %v", err)
	}
	if len(*slept) != 1 {
		t.Fatalf("expected exactly one retry, got %d sleeps", len(*slept))
	}
}

func TestQueryNonConnectionErrorNotRetried(t *testing.T) {
	t.Parallel()

	e, mock, slept := newExecutorWithMock(t)
	expectColumns(mock, "v_products", "id")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "v_products" LIMIT $1`)).
		WithArgs(200).
		WillReturnError(errors.New("syntax error"))

	_, err := e.Query(context.Background(), "v_products", contractx.QueryFilter{})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, contractx.ErrQueryConnection) {
		t.Fatalf("non-connection error must not map to ErrQueryConnection: %v", err)
	}
	if len(*slept) != 0 {
		t.Fatalf("expected no retry, got %d sleeps", len(*slept))
	}
}

func TestQueryEmptyResultIsSuccess(t *testing.T) {
	t.Parallel()

	e, mock, _ := newExecutorWithMock(t)
	expectColumns(mock, "v_customers", "id")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "v_customers" LIMIT $1`)).
		WithArgs(200).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rows, err := e.Query(context.Background(), "v_customers", contractx.QueryFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty result, got %d rows", len(rows))
	}
}

func TestQueryNullRatioPassthrough(t *testing.T) {
	t.Parallel()

	e, mock, _ := newExecutorWithMock(t)
	expectColumns(mock, "v_marketing", "campaign_name", "roas", "cpc")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "v_marketing" LIMIT $1`)).
		WithArgs(200).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_name", "roas", "cpc"}).
			AddRow([]byte("Verano"), nil, 2.5))

	rows, err := e.Query(context.Background(), "v_marketing", contractx.QueryFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	values := rows[0].Values
	if values["roas"] != nil {
		t.Fatalf("NULL ratio must stay nil, got %v", values["roas"])
	}
	if values["campaign_name"] != "Verano" {
		t.Fatalf("byte slice must normalize to string, got %T", values["campaign_name"])
	}
	if values["cpc"] != 2.5 {
		t.Fatalf("cpc = %v, want 2.5", values["cpc"])
	}
}
