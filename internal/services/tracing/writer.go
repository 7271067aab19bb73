// Package tracing ingests OTLP spans and lands them in a columnar sink.
package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/langdb/aigateway/internal/config"
)

// Writer is the columnar sink capability. Rows are positional against
// the column list.
type Writer interface {
	InsertValues(ctx context.Context, table string, columns []string, rows [][]interface{}) error
}

// NoopWriter discards rows; the default when no sink is configured.
type NoopWriter struct{}

func (NoopWriter) InsertValues(context.Context, string, []string, [][]interface{}) error {
	return nil
}

// ClickHouseWriter inserts rows over the ClickHouse HTTP interface in
// JSONEachRow format.
type ClickHouseWriter struct {
	baseURL  string
	user     string
	password string
	database string
	client   *http.Client
}

func NewClickHouseWriter(cfg config.ClickHouseConfig) *ClickHouseWriter {
	return &ClickHouseWriter{
		baseURL:  cfg.URL,
		user:     cfg.User,
		password: cfg.Password,
		database: cfg.Database,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *ClickHouseWriter) InsertValues(ctx context.Context, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	encoder := json.NewEncoder(&body)
	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row has %d values for %d columns", len(row), len(columns))
		}
		record := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			record[column] = row[i]
		}
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}
	}

	qualified := table
	if w.database != "" {
		qualified = w.database + "." + table
	}
	query := fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", qualified)

	endpoint := w.baseURL + "?" + url.Values{"query": {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to build insert request: %w", err)
	}
	if w.user != "" {
		req.SetBasicAuth(w.user, w.password)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("clickhouse insert returned %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
