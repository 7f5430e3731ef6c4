// Package warehouse copies campaign aggregates into Snowflake for BI.
// Rows are append-only snapshots; the BI side picks the latest snapshot
// per campaign.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // Snowflake driver
)

// Config holds the Snowflake connection settings.
type Config struct {
	Account   string
	User      string
	Password  string
	Database  string
	Schema    string
	Warehouse string
	Table     string
}

// Snapshot is one exported row of campaign aggregates.
type Snapshot struct {
	CampaignID   string
	AccountID    string
	Status       string
	TotalLogged  int
	Delivered    int
	Read         int
	DeliveryRate float64
	ReadRate     float64
	SnapshotAt   time.Time
}

// Client writes snapshots to Snowflake.
type Client struct {
	db    *sql.DB
	table string
}

// NewClient opens the Snowflake connection.
// DSN format: user:password@account/database/schema?warehouse=xxx
func NewClient(cfg Config) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s",
		cfg.User, cfg.Password, cfg.Account, cfg.Database, cfg.Schema)
	if cfg.Warehouse != "" {
		dsn += "?warehouse=" + cfg.Warehouse
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snowflake connection: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	table := cfg.Table
	if table == "" {
		table = "CAMPAIGN_SNAPSHOTS"
	}
	return &Client{db: db, table: table}, nil
}

// NewClientWithDB wires an existing handle, used by tests.
func NewClientWithDB(db *sql.DB, table string) *Client {
	return &Client{db: db, table: table}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping tests the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// InsertSnapshots appends snapshot rows in one multi-row insert.
func (c *Client) InsertSnapshots(ctx context.Context, rows []Snapshot) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s
		(CAMPAIGN_ID, ACCOUNT_ID, STATUS, TOTAL_LOGGED, DELIVERED, READ_COUNT,
		 DELIVERY_RATE, READ_RATE, SNAPSHOT_AT) VALUES `, c.table)
	args := make([]interface{}, 0, len(rows)*9)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, row.CampaignID, row.AccountID, row.Status,
			row.TotalLogged, row.Delivered, row.Read,
			row.DeliveryRate, row.ReadRate, row.SnapshotAt.UTC())
	}

	if _, err := c.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("inserting %d snapshot(s): %w", len(rows), err)
	}
	return nil
}
