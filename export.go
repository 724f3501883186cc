package crosstab

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// noData is rendered for a cell a column has no row for.
const noData = "-"

// ExportMeta describes the query the exported table was produced from.
type ExportMeta struct {
	DateFrom         time.Time
	DateTo           time.Time
	RowDimensions    []string
	ColumnDimensions []string
	Metrics          []string
	Filters          []string
}

// ExportTable is the serialized current view: a metadata block plus a
// tabular body ready for CSV/HTML/image rendering. TotalRows reports the
// pre-truncation dimension-value count so consumers can show
// "N of M rows exported".
type ExportTable struct {
	Meta      ExportMeta
	Header    []string
	Body      [][]string
	TotalRows int
	Truncated bool
}

// Export serializes a view. rowLimit, when positive, truncates the
// dimension-value axis only; the metric axis is never cut.
func (e *Engine) Export(ctx context.Context, view *View, rowLimit int) (*ExportTable, error) {
	schema, err := e.repo.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("schema fetch failed: %w", err)
	}

	rows := view.Rows
	total := len(rows)
	truncated := false
	if rowLimit > 0 && total > rowLimit {
		rows = rows[:rowLimit]
		truncated = true
	}

	t := &ExportTable{
		Meta:      e.exportMeta(schema),
		TotalRows: total,
		Truncated: truncated,
	}

	if view.MultiColumn {
		e.assembleMulti(t, view, rows, schema)
	} else {
		e.assembleSingle(t, rows, schema)
	}
	return t, nil
}

func (e *Engine) exportMeta(schema *Schema) ExportMeta {
	meta := ExportMeta{
		DateFrom: e.query.DateFrom,
		DateTo:   e.query.DateTo,
	}
	for _, d := range e.query.RowDimensions {
		meta.RowDimensions = append(meta.RowDimensions, dimensionLabel(schema, d))
	}
	for _, d := range e.query.ColumnDimensions {
		meta.ColumnDimensions = append(meta.ColumnDimensions, dimensionLabel(schema, d))
	}
	for _, m := range e.exportMetrics(schema) {
		meta.Metrics = append(meta.Metrics, m.Label)
	}
	for _, f := range e.query.Filters {
		meta.Filters = append(meta.Filters, fmt.Sprintf("%s %s %v", f.Key, f.Condition, f.Values))
	}
	return meta
}

// assembleSingle writes one row per dimension value, one column per metric.
func (e *Engine) assembleSingle(t *ExportTable, rows []*Row, schema *Schema) {
	metrics := e.exportMetrics(schema)

	header := []string{e.rowAxisLabel(schema)}
	for _, m := range metrics {
		header = append(header, m.Label)
	}
	t.Header = header

	for _, r := range rows {
		line := []string{r.Key()}
		for _, m := range metrics {
			line = append(line, formatCell(r, m))
		}
		t.Body = append(t.Body, line)
	}
}

// assembleMulti writes one row-group per dimension value with one sub-row
// per metric: the primary column's value, then (value, diff, %diff) for
// every remaining column in display order.
func (e *Engine) assembleMulti(t *ExportTable, view *View, rows []*Row, schema *Schema) {
	metrics := e.exportMetrics(schema)
	primary := view.Primary()
	primaryDS := view.Datasets[primary]

	header := []string{e.rowAxisLabel(schema), "Metric", primaryDS.Combination.Label()}
	for _, col := range view.ColumnOrder[1:] {
		label := view.Datasets[col].Combination.Label()
		header = append(header, label, label+" diff", label+" %diff")
	}
	t.Header = header

	for _, r := range rows {
		key := r.Key()
		primaryRow := primaryDS.Lookup(key)
		if r.IsOther {
			// The bucket exists only in the processed primary rows.
			primaryRow = r
		}

		for _, m := range metrics {
			line := []string{key, m.Label, formatCell(primaryRow, m)}
			for _, col := range view.ColumnOrder[1:] {
				current := view.Datasets[col].Lookup(key)
				line = append(line, formatCell(current, m))

				if d, ok := Diff(current, primaryRow, m.Key); ok {
					line = append(line, formatNumber(d, m.Decimals))
				} else {
					line = append(line, noData)
				}
				if pd, ok := PctDiff(current, primaryRow, m.Key); ok {
					line = append(line, formatNumber(pd, 1)+"%")
				} else {
					line = append(line, noData)
				}
			}
			t.Body = append(t.Body, line)
		}
	}
}

// exportMetrics resolves the selected metric descriptors in query order.
func (e *Engine) exportMetrics(schema *Schema) []*Metric {
	byKey := make(map[string]*Metric, len(schema.Metrics))
	for _, m := range schema.Metrics {
		byKey[m.Key] = m
	}

	keys := e.query.Metrics
	if len(keys) == 0 {
		return schema.Metrics
	}

	metrics := make([]*Metric, 0, len(keys))
	for _, k := range keys {
		if m, ok := byKey[k]; ok {
			metrics = append(metrics, m)
			continue
		}
		metrics = append(metrics, &Metric{Key: k, Label: k, Format: FormatNumber})
	}
	return metrics
}

func (e *Engine) rowAxisLabel(schema *Schema) string {
	if len(e.query.RowDimensions) == 0 {
		return ""
	}
	return dimensionLabel(schema, e.query.RowDimensions[0])
}

func dimensionLabel(schema *Schema, key DimensionKey) string {
	for _, d := range schema.Dimensions {
		if d.Key == key {
			if d.Label != "" {
				return d.Label
			}
			break
		}
	}
	return string(key)
}

func formatCell(r *Row, m *Metric) string {
	if r == nil {
		return noData
	}
	v, ok := r.MetricValue(m.Key)
	if !ok {
		return noData
	}

	switch m.Format {
	case FormatPercent:
		return formatNumber(v, m.Decimals) + "%"
	default:
		return formatNumber(v, m.Decimals)
	}
}

func formatNumber(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}
