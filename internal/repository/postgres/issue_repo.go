package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/k4lantar4/moonvpn-sub008/internal/diagnostics"
)

type IssueRepo struct {
	db *sql.DB
}

func NewIssueRepo(connString string, maxConns, minConns int32) *IssueRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// В main соединение проверяется через Ping
		log.Fatal(err)
	}
	db.SetMaxOpenConns(int(maxConns))
	db.SetMaxIdleConns(int(minConns))
	db.SetConnMaxLifetime(5 * time.Minute)
	return &IssueRepo{db: db}
}

func (r *IssueRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *IssueRepo) WriteBatch(ctx context.Context, issues []diagnostics.Issue) error {
	if len(issues) == 0 {
		return nil
	}

	// Количество колонок в таблице gateway_issues
	numFields := 7
	placeholderStr := ""
	vals := make([]interface{}, 0, len(issues)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, issue := range issues {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7)

		contextJSON, _ := json.Marshal(issue.Context)

		vals = append(vals,
			issue.ID, issue.Category, string(issue.Severity),
			issue.Message, contextJSON, issue.Stack, issue.Timestamp,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO gateway_issues (id, category, severity, message, context, stack, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}
