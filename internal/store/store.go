package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/hitushen/nettrace/internal/models"
)

// Store 封装了对 SQLite 数据库的持久化访问。
// 所有写操作经由同一把锁串行化在单连接的写句柄上，读操作走独立的读句柄。
type Store struct {
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex
	clock  clock.Clock
}

// ConnectionUpdate 描述一次连接写入时可选更新的字段，零值字段保持原样。
type ConnectionUpdate struct {
	Port     int
	Protocol string
	Geo      *models.GeoLocation
}

// New 根据给定的 SQLite 文件路径初始化 Store。
func New(dbPath string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	writer.SetMaxOpenConns(1) // SQLite 只接受单写入者。

	s := &Store{writer: writer, clock: clk}
	if err := s.migrate(); err != nil {
		_ = writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	s.reader = reader
	return s, nil
}

// Close 释放数据库资源。
func (s *Store) Close() error {
	return multierr.Append(s.reader.Close(), s.writer.Close())
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			ip TEXT PRIMARY KEY,
			first_seen REAL NOT NULL,
			last_seen REAL NOT NULL,
			protocol TEXT,
			port INTEGER,
			city TEXT,
			isp TEXT,
			org TEXT,
			country TEXT,
			lat REAL,
			lon REAL
		);`,
		`CREATE TABLE IF NOT EXISTS latency_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT NOT NULL,
			timestamp REAL NOT NULL,
			rtt REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_latency_ip_ts ON latency_history(ip, timestamp);`,
	}
	for _, stmt := range schema {
		if _, err := s.writer.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	for _, col := range []string{"country", "asn"} {
		if err := s.ensureConnectionColumn(col); err != nil {
			return fmt.Errorf("migrate column %s: %w", col, err)
		}
	}
	return nil
}

func (s *Store) ensureConnectionColumn(column string) error {
	rows, err := s.writer.Query(`PRAGMA table_info(connections)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = s.writer.Exec(`ALTER TABLE connections ADD COLUMN ` + column + ` TEXT`)
	return err
}

// UpsertConnection 写入或刷新一条连接记录：首次出现时 first_seen 与 last_seen 相同，
// 之后只推进 last_seen 并覆盖提供的字段。
func (s *Store) UpsertConnection(ctx context.Context, ip string, upd ConnectionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := models.UnixSeconds(s.clock.Now())

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeen float64
	err = tx.QueryRowContext(ctx, `SELECT last_seen FROM connections WHERE ip = ?`, ip).Scan(&lastSeen)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var city, isp, org, asn, country sql.NullString
		var lat, lon sql.NullFloat64
		if g := upd.Geo; g != nil {
			city, isp, org = nullString(g.City), nullString(g.ISP), nullString(g.Org)
			asn, country = nullString(g.ASN), nullString(g.Country)
			lat = sql.NullFloat64{Float64: g.Lat, Valid: true}
			lon = sql.NullFloat64{Float64: g.Lon, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO connections (ip, first_seen, last_seen, protocol, port, city, isp, org, asn, country, lat, lon)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ip, now, now, nullString(upd.Protocol), nullInt(upd.Port), city, isp, org, asn, country, lat, lon)
		if err != nil {
			return fmt.Errorf("insert connection: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup connection: %w", err)
	default:
		if now < lastSeen {
			// 时钟回拨时保持 last_seen 单调不减。
			now = lastSeen
		}
		fields := []string{"last_seen = ?"}
		args := []interface{}{now}
		if upd.Protocol != "" {
			fields = append(fields, "protocol = ?")
			args = append(args, upd.Protocol)
		}
		if upd.Port > 0 {
			fields = append(fields, "port = ?")
			args = append(args, upd.Port)
		}
		if g := upd.Geo; g != nil {
			fields = append(fields, "city = ?", "isp = ?", "org = ?", "asn = ?", "country = ?", "lat = ?", "lon = ?")
			args = append(args, g.City, g.ISP, g.Org, g.ASN, g.Country, g.Lat, g.Lon)
		}
		args = append(args, ip)
		if _, err := tx.ExecContext(ctx, `UPDATE connections SET `+strings.Join(fields, ", ")+` WHERE ip = ?`, args...); err != nil {
			return fmt.Errorf("update connection: %w", err)
		}
	}
	return tx.Commit()
}

// AddLatencySample 追加一条时延样本，不要求对应连接已存在。
func (s *Store) AddLatencySample(ctx context.Context, ip string, rtt float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO latency_history (ip, timestamp, rtt) VALUES (?, ?, ?)`,
		ip, models.UnixSeconds(ts), rtt,
	)
	if err != nil {
		return fmt.Errorf("insert latency sample: %w", err)
	}
	return nil
}

// AllConnections 按 last_seen 倒序返回全部连接。
func (s *Store) AllConnections(ctx context.Context) ([]models.Connection, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT ip, first_seen, last_seen, protocol, port, city, isp, org, asn, country, lat, lon
		FROM connections
		ORDER BY last_seen DESC, ip ASC`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		var c models.Connection
		var firstSeen, lastSeen float64
		var protocol, city, isp, org, asn, country sql.NullString
		var port sql.NullInt64
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&c.IP, &firstSeen, &lastSeen, &protocol, &port, &city, &isp, &org, &asn, &country, &lat, &lon); err != nil {
			return nil, err
		}
		c.FirstSeen = models.FromUnixSeconds(firstSeen)
		c.LastSeen = models.FromUnixSeconds(lastSeen)
		c.Protocol = protocol.String
		c.Port = int(port.Int64)
		if lat.Valid && lon.Valid {
			c.Geo = &models.GeoLocation{
				Lat:     lat.Float64,
				Lon:     lon.Float64,
				City:    city.String,
				ISP:     isp.String,
				Org:     org.String,
				ASN:     asn.String,
				Country: country.String,
			}
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// LatencyHistory 返回某地址最近 limit 条样本，按时间从旧到新排列。
func (s *Store) LatencyHistory(ctx context.Context, ip string, limit int) ([]models.LatencySample, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.reader.QueryContext(ctx, `
		SELECT timestamp, rtt FROM latency_history
		WHERE ip = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("query latency history: %w", err)
	}
	defer rows.Close()

	var samples []models.LatencySample
	for rows.Next() {
		var ts, rtt float64
		if err := rows.Scan(&ts, &rtt); err != nil {
			return nil, err
		}
		samples = append(samples, models.LatencySample{IP: ip, Timestamp: models.FromUnixSeconds(ts), RTT: rtt})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// ClearHistory 清理历史数据。olderThan 不大于零时清空全部，
// 否则只删除 last_seen 早于 now-olderThan 的连接及其样本。
func (s *Store) ClearHistory(ctx context.Context, olderThan time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if olderThan > 0 {
		cutoff := models.UnixSeconds(s.clock.Now().Add(-olderThan))
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM latency_history WHERE ip IN (SELECT ip FROM connections WHERE last_seen < ?)`, cutoff); err != nil {
			return fmt.Errorf("clear latency history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE last_seen < ?`, cutoff); err != nil {
			return fmt.Errorf("clear connections: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM latency_history`); err != nil {
			return fmt.Errorf("clear latency history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM connections`); err != nil {
			return fmt.Errorf("clear connections: %w", err)
		}
	}
	return tx.Commit()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v > 0}
}
