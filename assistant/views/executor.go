package views

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

const viewColumnsQuery = `SELECT column_name FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position`

// Identifiers come from the resolver's candidate lists or from code, never
// from user input, but they still cannot be bound as parameters, so they are
// validated before interpolation.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type ExecutorConfig struct {
	// Hard ceiling on returned rows. Callers may lower it per query, never
	// raise it.
	RowLimitCeiling int           `envconfig:"ROW_LIMIT_CEILING" split_words:"true" default:"200"`
	QueryTimeout    time.Duration `envconfig:"QUERY_TIMEOUT" split_words:"true" default:"10s"`
	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF" split_words:"true" default:"500ms"`
}

// Executor runs parameterized SELECTs against resolved views. All filter
// values are bound as $n parameters; pre-computed ratio columns (ROAS, CPC,
// margin) pass through untouched so the views' NULL-safe division semantics
// are preserved.
type Executor struct {
	db      *bun.DB
	ceiling int
	timeout time.Duration
	backoff time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

var _ contractx.Executor = (*Executor)(nil)

func NewExecutor(db *bun.DB, cfg ExecutorConfig) (*Executor, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	ceiling := cfg.RowLimitCeiling
	if ceiling <= 0 {
		ceiling = 200
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Executor{
		db:      db,
		ceiling: ceiling,
		timeout: timeout,
		backoff: backoff,
		sleep:   sleepCtx,
	}, nil
}

// Query executes SELECT * on the view with equality filters and a bounded
// limit. An empty result set is a valid success; connection failures are
// retried once with backoff before surfacing as ErrQueryConnection.
func (e *Executor) Query(ctx context.Context, view string, filter contractx.QueryFilter) ([]contractx.ResultRow, error) {
	view = normalizeViewName(view)
	if err := validIdentifier(view); err != nil {
		return nil, err
	}

	columns, err := e.viewColumns(ctx, view)
	if err != nil {
		return nil, err
	}

	filterCols := make([]string, 0, len(filter.Equals))
	for col := range filter.Equals {
		if err := validIdentifier(col); err != nil {
			return nil, err
		}
		if _, ok := columns[strings.ToLower(col)]; !ok {
			return nil, fmt.Errorf("%w: filter column %s not in view %s", contractx.ErrSchemaMismatch, col, view)
		}
		filterCols = append(filterCols, col)
	}
	sort.Strings(filterCols)

	if filter.OrderBy != "" {
		if err := validIdentifier(filter.OrderBy); err != nil {
			return nil, err
		}
		if _, ok := columns[strings.ToLower(filter.OrderBy)]; !ok {
			return nil, fmt.Errorf("%w: order column %s not in view %s", contractx.ErrSchemaMismatch, filter.OrderBy, view)
		}
	}

	query, args := buildSelect(view, filterCols, filter, e.boundedLimit(filter.Limit))

	rows, err := e.queryRows(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query view %s: %w", view, err)
	}

	log.Debug().Str("view", view).Int("rows", len(rows)).Msg("view query executed")
	return rows, nil
}

func (e *Executor) boundedLimit(requested int) int {
	if requested <= 0 || requested > e.ceiling {
		return e.ceiling
	}
	return requested
}

func (e *Executor) viewColumns(ctx context.Context, view string) (map[string]struct{}, error) {
	rows, err := e.queryRows(ctx, viewColumnsQuery, []any{view})
	if err != nil {
		return nil, fmt.Errorf("probe columns of %s: %w", view, err)
	}

	columns := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if name, ok := row.Values["column_name"].(string); ok {
			columns[strings.ToLower(name)] = struct{}{}
		}
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: view %s exposes no columns", contractx.ErrSchemaMismatch, view)
	}
	return columns, nil
}

// queryRows borrows a pooled connection for the duration of one query and
// retries exactly once on connection failures.
func (e *Executor) queryRows(ctx context.Context, query string, args []any) ([]contractx.ResultRow, error) {
	rows, err := e.runOnce(ctx, query, args)
	if err == nil {
		return rows, nil
	}
	if !isConnectionError(err) {
		return nil, err
	}

	log.Warn().Err(err).Msg("query connection failed, retrying once")
	if serr := e.sleep(ctx, e.backoff); serr != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrQueryConnection, serr)
	}

	rows, err = e.runOnce(ctx, query, args)
	if err != nil {
		if isConnectionError(err) {
			return nil, fmt.Errorf("%w: %v", contractx.ErrQueryConnection, err)
		}
		return nil, err
	}
	return rows, nil
}

func (e *Executor) runOnce(ctx context.Context, query string, args []any) ([]contractx.ResultRow, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	sqlRows, err := e.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer sqlRows.Close()

	names, err := sqlRows.Columns()
	if err != nil {
		return nil, err
	}

	var out []contractx.ResultRow
	for sqlRows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := sqlRows.Scan(ptrs...); err != nil {
			return nil, err
		}

		values := make(map[string]any, len(names))
		for i, name := range names {
			values[name] = normalizeValue(raw[i])
		}
		out = append(out, contractx.ResultRow{
			Columns: append([]string(nil), names...),
			Values:  values,
		})
	}
	if err := sqlRows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func buildSelect(view string, filterCols []string, filter contractx.QueryFilter, limit int) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, len(filterCols)+1)

	fmt.Fprintf(&sb, `SELECT * FROM "%s"`, view)
	for i, col := range filterCols {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		args = append(args, filter.Equals[col])
		fmt.Fprintf(&sb, `"%s" = $%d`, col, len(args))
	}
	if filter.OrderBy != "" {
		direction := "ASC"
		if filter.Descending {
			direction = "DESC"
		}
		fmt.Fprintf(&sb, ` ORDER BY "%s" %s`, filter.OrderBy, direction)
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))

	return sb.String(), args
}

func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: invalid identifier %q", contractx.ErrSchemaMismatch, name)
	}
	return nil
}

// NULL stays nil; byte slices become strings so downstream formatting never
// sees driver internals.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
