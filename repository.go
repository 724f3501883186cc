package crosstab

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"
)

const dateFormat = "2006-01-02"

// RowsRequest query conditions for one aggregated row fetch.
type RowsRequest struct {
	// Dimensions to group by, in drill-hierarchy order. The last one is the
	// display dimension at the requested depth.
	Dimensions []DimensionKey
	Metrics    []string
	Filters    []*Filter

	DateFrom time.Time
	DateTo   time.Time

	Limit  int
	Offset int

	// RestrictToKeys, when set, constrains the display dimension to exactly
	// this key set. Missing keys are simply absent from the result, never
	// substituted.
	RestrictToKeys []string

	// IncludeTotal requests the aggregate total row alongside the rows.
	IncludeTotal bool
}

// ChildrenRequest query conditions for leaf ("search term") children of one
// dimension value.
type ChildrenRequest struct {
	Dimension DimensionKey
	Value     string
	Metrics   []string
	Filters   []*Filter

	DateFrom time.Time
	DateTo   time.Time

	Limit  int
	Offset int
}

// Repository is the remote tabular data collaborator. It is the engine's
// only boundary; any retry policy belongs to the implementation, never to
// the engine.
type Repository interface {
	// Rows returns aggregated rows grouped by the requested dimensions.
	Rows(ctx context.Context, req *RowsRequest) (*RowSet, error)
	// Children returns leaf search-term rows below one dimension value.
	Children(ctx context.Context, req *ChildrenRequest) ([]*ChildRow, error)
	// DistinctValues returns the distinct values of one dimension, used to
	// seed the combination generator.
	DistinctValues(ctx context.Context, dimension DimensionKey, filters []*Filter, from, to time.Time) ([]string, error)
	// Schema returns display metadata, consulted for formatting only.
	Schema(ctx context.Context) (*Schema, error)
}

// SQLRepository sql implementation of Repository.
type SQLRepository struct {
	conn *sql.DB
	log  *zap.Logger

	mapDimensions map[DimensionKey]*Dimension
	mapMetrics    map[string]*Metric
	dimensions    []*Dimension
	metrics       []*Metric

	// contains table name or sql expression like table.
	table string

	dateColumn      string
	searchTerm      *Dimension
	shareMetric     string
	termCountMetric string
}

// SQLRepositoryOption configures a SQLRepository.
type SQLRepositoryOption func(*SQLRepository)

// LoggerSQLRepositoryOption sets the query logger.
func LoggerSQLRepositoryOption(log *zap.Logger) SQLRepositoryOption {
	return func(r *SQLRepository) {
		r.log = log
	}
}

// DateColumnSQLRepositoryOption sets the column the date-range filter
// applies to.
func DateColumnSQLRepositoryOption(name string) SQLRepositoryOption {
	return func(r *SQLRepository) {
		r.dateColumn = name
	}
}

// SearchTermSQLRepositoryOption sets the leaf dimension served by Children.
func SearchTermSQLRepositoryOption(d *Dimension) SQLRepositoryOption {
	return func(r *SQLRepository) {
		r.searchTerm = d
	}
}

// ShareMetricSQLRepositoryOption sets the metric percentage_of_total is
// computed from. Defaults to the first configured metric.
func ShareMetricSQLRepositoryOption(key string) SQLRepositoryOption {
	return func(r *SQLRepository) {
		r.shareMetric = key
	}
}

// TermCountMetricSQLRepositoryOption names the metric reported as the
// per-row search-term count.
func TermCountMetricSQLRepositoryOption(key string) SQLRepositoryOption {
	return func(r *SQLRepository) {
		r.termCountMetric = key
	}
}

// NewSQLRepository returns new instance of SQLRepository.
func NewSQLRepository(
	connection *sql.DB, table string, dimensions []*Dimension, metrics []*Metric, opts ...SQLRepositoryOption,
) *SQLRepository {
	mDimensions := make(map[DimensionKey]*Dimension, len(dimensions))
	for i := range dimensions {
		mDimensions[dimensions[i].Key] = dimensions[i]
	}

	mMetrics := make(map[string]*Metric, len(metrics))
	for i := range metrics {
		mMetrics[metrics[i].Key] = metrics[i]
	}

	r := &SQLRepository{
		conn:          connection,
		log:           zap.NewNop(),
		table:         table,
		mapDimensions: mDimensions,
		mapMetrics:    mMetrics,
		dimensions:    dimensions,
		metrics:       metrics,
	}

	if len(metrics) > 0 {
		r.shareMetric = metrics[0].Key
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Schema returns the configured display metadata.
func (r *SQLRepository) Schema(_ context.Context) (*Schema, error) {
	return &Schema{
		Dimensions: r.dimensions,
		Metrics:    r.metrics,
	}, nil
}

func (r *SQLRepository) Ping() error {
	_, err := r.conn.Exec(`SELECT 1`)
	return err
}

func (r *SQLRepository) Rows(ctx context.Context, req *RowsRequest) (*RowSet, error) {
	query := ""
	params := make([]interface{}, 0)

	metrics := r.requestMetrics(req.Metrics)

	r.applySelect(req.Dimensions, metrics, &query)
	query += fmt.Sprintf(" FROM %s ", r.table)
	r.applyWhere(req.Filters, req.DateFrom, req.DateTo, req.Dimensions, req.RestrictToKeys, &query, &params)
	r.applyGroup(req.Dimensions, &query)
	r.applyOrder(metrics, &query)
	r.applyLimit(req.Limit, req.Offset, &query)

	rows, err := r.queryRows(ctx, "rows", query, params, len(req.Dimensions), metrics)
	if err != nil {
		return nil, err
	}

	set := &RowSet{Rows: rows}

	if req.IncludeTotal {
		total, err := r.fetchTotal(ctx, req, metrics)
		if err != nil {
			return nil, err
		}
		set.Total = total
		r.applyShare(set, metrics)
	}

	return set, nil
}

func (r *SQLRepository) Children(ctx context.Context, req *ChildrenRequest) ([]*ChildRow, error) {
	if r.searchTerm == nil {
		return nil, fmt.Errorf("repository has no search-term dimension configured")
	}

	filters := make([]*Filter, 0, len(req.Filters)+1)
	filters = append(filters, req.Filters...)
	filters = append(filters, &Filter{
		Key:       req.Dimension,
		Values:    []interface{}{req.Value},
		Condition: CondEq,
	})

	metrics := r.requestMetrics(req.Metrics)

	query := ""
	params := make([]interface{}, 0)
	dims := []DimensionKey{r.searchTerm.Key}

	r.applySelect(dims, metrics, &query)
	query += fmt.Sprintf(" FROM %s ", r.table)
	r.applyWhere(filters, req.DateFrom, req.DateTo, nil, nil, &query, &params)
	r.applyGroup(dims, &query)
	r.applyOrder(metrics, &query)
	r.applyLimit(req.Limit, req.Offset, &query)

	rows, err := r.queryRows(ctx, "children", query, params, 1, metrics)
	if err != nil {
		return nil, err
	}

	total, err := r.fetchTotal(ctx, &RowsRequest{
		Filters:  filters,
		DateFrom: req.DateFrom,
		DateTo:   req.DateTo,
	}, metrics)
	if err != nil {
		return nil, err
	}

	set := &RowSet{Rows: rows, Total: total}
	r.applyShare(set, metrics)

	children := make([]*ChildRow, 0, len(rows))
	for _, row := range rows {
		children = append(children, &ChildRow{
			SearchTerm:        row.Key(),
			Metrics:           row.Metrics,
			PercentageOfTotal: row.PercentageOfTotal,
		})
	}

	return children, nil
}

func (r *SQLRepository) DistinctValues(
	ctx context.Context, dimension DimensionKey, filters []*Filter, from, to time.Time,
) ([]string, error) {
	dim, exists := r.getDimension(dimension)
	if !exists {
		return nil, fmt.Errorf("unknown dimension %q", dimension)
	}

	query := fmt.Sprintf(`SELECT %s AS value`, dim.Expression)
	params := make([]interface{}, 0)

	query += fmt.Sprintf(" FROM %s ", r.table)
	r.applyWhere(filters, from, to, nil, nil, &query, &params)
	query += fmt.Sprintf(` GROUP BY %s ORDER BY count(*) DESC`, dim.Expression)

	start := time.Now()
	rows, err := r.conn.QueryContext(ctx, query, params...)
	observeQuery("distinct_values", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to exec query: %w, query: %s, params: %v", err, query, params)
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var v interface{}
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, castString(v))
	}

	return values, rows.Err()
}

// queryRows runs the assembled query and splits scanned columns into
// dimension values and metric values, the leading len(dimensions) columns
// being dimensions.
func (r *SQLRepository) queryRows(
	ctx context.Context, op, query string, params []interface{}, dimensions int, metrics []*Metric,
) ([]*Row, error) {
	r.log.Debug("exec query", zap.String("op", op), zap.String("query", query))

	start := time.Now()
	rows, err := r.conn.QueryContext(ctx, query, params...)
	observeQuery(op, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to exec query: %w, query: %s, params: %v", err, query, params)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	response := make([]*Row, 0)
	for rows.Next() {
		dest := make([]interface{}, 0, len(types))
		for _, item := range types {
			v := reflect.New(item.ScanType()).Interface()
			dest = append(dest, v)
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		row := &Row{
			Values:  make([]string, 0, dimensions),
			Metrics: make(map[string]float64, len(metrics)),
		}

		for i, item := range types {
			pv, ok := dest[i].(*interface{})
			if ok {
				dest[i] = *pv
			}

			if i < dimensions {
				row.Values = append(row.Values, castString(dest[i]))
				continue
			}

			v, ok := castFloat(dest[i])
			if !ok {
				continue
			}
			if item.Name() == r.termCountMetric {
				row.SearchTermCount = int(v)
				continue
			}
			row.Metrics[item.Name()] = v
		}

		response = append(response, row)
	}

	return response, rows.Err()
}

// fetchTotal runs the same conditions without grouping, restriction or
// limit, so percentages are shares of the whole filtered set.
func (r *SQLRepository) fetchTotal(ctx context.Context, req *RowsRequest, metrics []*Metric) (*Row, error) {
	query := ""
	params := make([]interface{}, 0)

	r.applySelect(nil, metrics, &query)
	query += fmt.Sprintf(" FROM %s ", r.table)
	r.applyWhere(req.Filters, req.DateFrom, req.DateTo, nil, nil, &query, &params)

	rows, err := r.queryRows(ctx, "total", query, params, 0, metrics)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return rows[0], nil
}

// applyShare fills PercentageOfTotal (0..100) from the share metric.
func (r *SQLRepository) applyShare(set *RowSet, metrics []*Metric) {
	if set.Total == nil {
		return
	}

	share := r.shareMetric
	if _, ok := set.Total.Metrics[share]; !ok && len(metrics) > 0 {
		share = metrics[0].Key
	}

	total, ok := set.Total.Metrics[share]
	if !ok || total == 0 {
		return
	}

	for _, row := range set.Rows {
		if v, ok := row.Metrics[share]; ok {
			row.PercentageOfTotal = v / total * 100
		}
	}
	set.Total.PercentageOfTotal = 100
}

func (r *SQLRepository) requestMetrics(keys []string) []*Metric {
	if len(keys) == 0 {
		return r.metrics
	}

	metrics := make([]*Metric, 0, len(keys)+1)
	for _, key := range keys {
		if m, ok := r.mapMetrics[key]; ok {
			metrics = append(metrics, m)
		}
	}

	// The share metric is always fetched, so percentages stay computable.
	if _, ok := r.mapMetrics[r.shareMetric]; ok && !containsMetric(metrics, r.shareMetric) {
		metrics = append(metrics, r.mapMetrics[r.shareMetric])
	}
	if m, ok := r.mapMetrics[r.termCountMetric]; ok && !containsMetric(metrics, r.termCountMetric) {
		metrics = append(metrics, m)
	}

	return metrics
}

func containsMetric(metrics []*Metric, key string) bool {
	for _, m := range metrics {
		if m.Key == key {
			return true
		}
	}
	return false
}

func (r *SQLRepository) getDimension(key DimensionKey) (*Dimension, bool) {
	if dim, ok := r.mapDimensions[key]; ok {
		return dim, true
	}
	return nil, false
}

func (r *SQLRepository) applySelect(dimensions []DimensionKey, metrics []*Metric, query *string) {
	*query += `SELECT `

	if len(dimensions) > 0 {
		dimGroup := make([]string, 0, len(dimensions))
		for _, item := range dimensions {
			field, exists := r.getDimension(item)
			if !exists {
				continue
			}
			dimGroup = append(dimGroup, field.Expression)
		}
		*query += strings.Join(dimGroup, `,`) + `, `
	}

	exprs := make([]string, 0, len(metrics))
	for i := range metrics {
		m := metrics[i]
		exprs = append(exprs, m.Expression+` AS `+m.Key)
	}

	*query += strings.Join(exprs, `,`)
}

func (r *SQLRepository) applyWhere(
	filters []*Filter, from, to time.Time, dimensions []DimensionKey, restrictToKeys []string,
	query *string, params *[]interface{},
) {
	where := ""

	if r.dateColumn != "" && !from.IsZero() && !to.IsZero() {
		where += fmt.Sprintf(`%s BETWEEN ? AND ? `, r.dateColumn)
		*params = append(*params, from.Format(dateFormat), to.Format(dateFormat))
	}

	for _, filter := range filters {
		field, exists := r.getDimension(filter.Key)
		if !exists {
			continue
		}

		key := field.Expression
		if len(key) == 0 || len(filter.Values) == 0 {
			continue
		}

		if len(where) > 0 {
			where += ` AND `
		}

		switch filter.Condition {
		case CondNotEq, CondNotEq2:
			in := strings.TrimRight(strings.Repeat("?,", len(filter.Values)), ",")
			where += fmt.Sprintf(`%s NOT IN (%s)`, key, in)
			*params = append(*params, filter.Values...)

		case CondLike:
			where += fmt.Sprintf(`%s LIKE ?`, key)
			*params = append(*params, fmt.Sprintf("%%%v%%", filter.Values[0]))

		case CondGreater, CondGreaterOrEq, CondLess, CondLessOrEq:
			where += fmt.Sprintf(`%s %s ?`, key, filter.Condition)
			*params = append(*params, filter.Values[0])

		default:
			in := strings.TrimRight(strings.Repeat("?,", len(filter.Values)), ",")
			where += fmt.Sprintf(`%s IN (%s)`, key, in)
			*params = append(*params, filter.Values...)
		}
	}

	// Key restriction binds the display dimension, i.e. the last requested one.
	if len(restrictToKeys) > 0 && len(dimensions) > 0 {
		if field, exists := r.getDimension(dimensions[len(dimensions)-1]); exists {
			if len(where) > 0 {
				where += ` AND `
			}
			in := strings.TrimRight(strings.Repeat("?,", len(restrictToKeys)), ",")
			where += fmt.Sprintf(`%s IN (%s)`, field.Expression, in)
			for _, k := range restrictToKeys {
				*params = append(*params, k)
			}
		}
	}

	if len(where) > 0 {
		*query += fmt.Sprintf(`WHERE %s`, where)
	}
}

func (r *SQLRepository) applyGroup(dimensions []DimensionKey, query *string) {
	dimGroup := make([]string, 0, len(dimensions))
	for _, item := range dimensions {
		field, exists := r.getDimension(item)
		if !exists {
			continue
		}
		dimGroup = append(dimGroup, field.Expression)
	}
	if len(dimGroup) > 0 {
		*query += ` GROUP BY ` + strings.Join(dimGroup, ",")
	}
}

// applyOrder orders rows by the share metric descending, so the fetched
// page is the head of the distribution and percentages accumulate in
// display order.
func (r *SQLRepository) applyOrder(metrics []*Metric, query *string) {
	key := r.shareMetric
	if !containsMetric(metrics, key) && len(metrics) > 0 {
		key = metrics[0].Key
	}
	if key == "" {
		return
	}

	*query += fmt.Sprintf(` ORDER BY %s DESC`, key)
}

func (r *SQLRepository) applyLimit(limit, offset int, query *string) {
	if limit > 0 && offset > 0 {
		*query += fmt.Sprintf(` LIMIT %d,%d`, offset, limit)
	} else if limit > 0 {
		*query += fmt.Sprintf(` LIMIT %d`, limit)
	}
}

func castString(i interface{}) string {
	switch v := i.(type) {
	case string:
		return v
	case *string:
		return *v
	case []byte:
		return string(v)
	case *[]byte:
		return string(*v)
	case nil:
		return ""
	default:
		rv := reflect.ValueOf(i)
		if rv.Kind() == reflect.Ptr && !rv.IsNil() {
			return fmt.Sprintf("%v", rv.Elem().Interface())
		}
		return fmt.Sprintf("%v", i)
	}
}

func castFloat(i interface{}) (float64, bool) {
	rv := reflect.ValueOf(i)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return 0, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, true
		}
		return f, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	default:
		return 0, false
	}
}
