// Package sqlite is the single-file attendance store used for local runs and
// tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"geohub/attendance/internal/attendance"
	"geohub/attendance/internal/db/sqlite/migrations"
	"geohub/attendance/internal/geo"
	"geohub/attendance/internal/policy"
)

type Store struct {
	sqlDB *sql.DB
}

var _ attendance.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; the unique index still decides check-in races.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

const selectRecord = `SELECT id, user_id, attendance_date,
       check_in_time, check_in_latitude, check_in_longitude, check_in_accuracy,
       check_out_time, check_out_latitude, check_out_longitude, check_out_accuracy,
       is_late, is_weekend, created_at, updated_at
  FROM attendance_records`

func (s *Store) GetRecord(ctx context.Context, userID string, date policy.Date) (attendance.Record, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		selectRecord+` WHERE user_id = ? AND attendance_date = ?`,
		userID, date.String(),
	)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.Record{}, attendance.ErrRecordNotFound
		}
		return attendance.Record{}, fmt.Errorf("get attendance record: %w", err)
	}
	return record, nil
}

func (s *Store) InsertCheckIn(ctx context.Context, record attendance.Record) error {
	if record.CheckInTime == nil || record.CheckInLocation == nil {
		return fmt.Errorf("check-in time and location are required")
	}
	loc := record.CheckInLocation
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO attendance_records (
		   id, user_id, attendance_date,
		   check_in_time, check_in_latitude, check_in_longitude, check_in_accuracy,
		   is_late, is_weekend, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.Date.String(),
		toMillis(*record.CheckInTime),
		loc.Latitude,
		loc.Longitude,
		nullFloat(loc.AccuracyMeters),
		record.IsLate,
		record.Weekend,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return attendance.ErrRecordExists
		}
		return fmt.Errorf("insert check-in: %w", err)
	}
	return nil
}

// CompleteCheckOut only touches a row that is still open, so a second
// check-out finds nothing to update.
func (s *Store) CompleteCheckOut(ctx context.Context, userID string, date policy.Date, at time.Time, location attendance.Location) error {
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE attendance_records
		    SET check_out_time = ?, check_out_latitude = ?, check_out_longitude = ?,
		        check_out_accuracy = ?, updated_at = ?
		  WHERE user_id = ? AND attendance_date = ?
		    AND check_in_time IS NOT NULL AND check_out_time IS NULL`,
		toMillis(at),
		location.Latitude,
		location.Longitude,
		nullFloat(location.AccuracyMeters),
		toMillis(time.Now()),
		userID,
		date.String(),
	)
	if err != nil {
		return fmt.Errorf("complete check-out: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete check-out: %w", err)
	}
	if affected == 0 {
		return attendance.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ListUserRange(ctx context.Context, userID string, from, to policy.Date) ([]attendance.Record, error) {
	return s.query(ctx,
		selectRecord+` WHERE user_id = ? AND attendance_date BETWEEN ? AND ? ORDER BY attendance_date`,
		userID, from.String(), to.String(),
	)
}

func (s *Store) ListRange(ctx context.Context, from, to policy.Date) ([]attendance.Record, error) {
	return s.query(ctx,
		selectRecord+` WHERE attendance_date BETWEEN ? AND ? ORDER BY user_id, attendance_date`,
		from.String(), to.String(),
	)
}

func (s *Store) ListDate(ctx context.Context, date policy.Date) ([]attendance.Record, error) {
	return s.query(ctx,
		selectRecord+` WHERE attendance_date = ? ORDER BY user_id`,
		date.String(),
	)
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT DISTINCT user_id FROM attendance_records ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]attendance.Record, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attendance records: %w", err)
	}
	defer rows.Close()
	records := []attendance.Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendance record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attendance records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (attendance.Record, error) {
	var (
		record                 attendance.Record
		date                   string
		checkIn, checkOut      sql.NullInt64
		inLat, inLng, inAcc    sql.NullFloat64
		outLat, outLng, outAcc sql.NullFloat64
		isLate, isWeekend      bool
		createdAt, updatedAt   int64
	)
	if err := row.Scan(
		&record.ID, &record.UserID, &date,
		&checkIn, &inLat, &inLng, &inAcc,
		&checkOut, &outLat, &outLng, &outAcc,
		&isLate, &isWeekend, &createdAt, &updatedAt,
	); err != nil {
		return attendance.Record{}, err
	}
	parsed, err := policy.ParseDate(date)
	if err != nil {
		return attendance.Record{}, err
	}
	record.Date = parsed
	record.IsLate = isLate
	record.Weekend = isWeekend
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if checkIn.Valid {
		t := fromMillis(checkIn.Int64)
		record.CheckInTime = &t
		record.CheckInLocation = location(inLat, inLng, inAcc)
	}
	if checkOut.Valid {
		t := fromMillis(checkOut.Int64)
		record.CheckOutTime = &t
		record.CheckOutLocation = location(outLat, outLng, outAcc)
	}
	return record, nil
}

func location(lat, lng, acc sql.NullFloat64) *attendance.Location {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	loc := &attendance.Location{Point: geo.Point{Latitude: lat.Float64, Longitude: lng.Float64}}
	if acc.Valid {
		v := acc.Float64
		loc.AccuracyMeters = &v
	}
	return loc
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
