package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// AttendanceRecord is one attendance_records row.
type AttendanceRecord struct {
	ID                string
	UserID            string
	AttendanceDate    time.Time
	CheckInTime       *time.Time
	CheckInLatitude   *float64
	CheckInLongitude  *float64
	CheckInAccuracy   *float64
	CheckOutTime      *time.Time
	CheckOutLatitude  *float64
	CheckOutLongitude *float64
	CheckOutAccuracy  *float64
	IsLate            bool
	IsWeekend         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const attendanceColumns = `id::text, user_id, attendance_date,
       check_in_time, check_in_latitude, check_in_longitude, check_in_accuracy,
       check_out_time, check_out_latitude, check_out_longitude, check_out_accuracy,
       is_late, is_weekend, created_at, updated_at`

func scanAttendanceRecord(row pgx.Row) (AttendanceRecord, error) {
	var i AttendanceRecord
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.AttendanceDate,
		&i.CheckInTime,
		&i.CheckInLatitude,
		&i.CheckInLongitude,
		&i.CheckInAccuracy,
		&i.CheckOutTime,
		&i.CheckOutLatitude,
		&i.CheckOutLongitude,
		&i.CheckOutAccuracy,
		&i.IsLate,
		&i.IsWeekend,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getAttendanceRecord = `SELECT ` + attendanceColumns + `
  FROM attendance_records
 WHERE user_id = $1 AND attendance_date = $2`

func (q *Queries) GetAttendanceRecord(ctx context.Context, userID string, date time.Time) (AttendanceRecord, error) {
	return scanAttendanceRecord(q.db.QueryRow(ctx, getAttendanceRecord, userID, date))
}

const insertCheckIn = `INSERT INTO attendance_records (
    id, user_id, attendance_date,
    check_in_time, check_in_latitude, check_in_longitude, check_in_accuracy,
    is_late, is_weekend, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

type InsertCheckInParams struct {
	ID               string
	UserID           string
	AttendanceDate   time.Time
	CheckInTime      time.Time
	CheckInLatitude  float64
	CheckInLongitude float64
	CheckInAccuracy  *float64
	IsLate           bool
	IsWeekend        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (q *Queries) InsertCheckIn(ctx context.Context, arg InsertCheckInParams) error {
	_, err := q.db.Exec(ctx, insertCheckIn,
		arg.ID,
		arg.UserID,
		arg.AttendanceDate,
		arg.CheckInTime,
		arg.CheckInLatitude,
		arg.CheckInLongitude,
		arg.CheckInAccuracy,
		arg.IsLate,
		arg.IsWeekend,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return err
}

const completeCheckOut = `UPDATE attendance_records
   SET check_out_time = $3, check_out_latitude = $4, check_out_longitude = $5,
       check_out_accuracy = $6, updated_at = now()
 WHERE user_id = $1 AND attendance_date = $2
   AND check_in_time IS NOT NULL AND check_out_time IS NULL`

type CompleteCheckOutParams struct {
	UserID            string
	AttendanceDate    time.Time
	CheckOutTime      time.Time
	CheckOutLatitude  float64
	CheckOutLongitude float64
	CheckOutAccuracy  *float64
}

// CompleteCheckOut returns the number of rows closed: 0 or 1.
func (q *Queries) CompleteCheckOut(ctx context.Context, arg CompleteCheckOutParams) (int64, error) {
	tag, err := q.db.Exec(ctx, completeCheckOut,
		arg.UserID,
		arg.AttendanceDate,
		arg.CheckOutTime,
		arg.CheckOutLatitude,
		arg.CheckOutLongitude,
		arg.CheckOutAccuracy,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listUserAttendanceRange = `SELECT ` + attendanceColumns + `
  FROM attendance_records
 WHERE user_id = $1 AND attendance_date BETWEEN $2 AND $3
 ORDER BY attendance_date`

func (q *Queries) ListUserAttendanceRange(ctx context.Context, userID string, from, to time.Time) ([]AttendanceRecord, error) {
	return q.list(ctx, listUserAttendanceRange, userID, from, to)
}

const listAttendanceRange = `SELECT ` + attendanceColumns + `
  FROM attendance_records
 WHERE attendance_date BETWEEN $1 AND $2
 ORDER BY user_id, attendance_date`

func (q *Queries) ListAttendanceRange(ctx context.Context, from, to time.Time) ([]AttendanceRecord, error) {
	return q.list(ctx, listAttendanceRange, from, to)
}

const listAttendanceByDate = `SELECT ` + attendanceColumns + `
  FROM attendance_records
 WHERE attendance_date = $1
 ORDER BY user_id`

func (q *Queries) ListAttendanceByDate(ctx context.Context, date time.Time) ([]AttendanceRecord, error) {
	return q.list(ctx, listAttendanceByDate, date)
}

const listAttendanceUserIDs = `SELECT DISTINCT user_id FROM attendance_records ORDER BY user_id`

func (q *Queries) ListAttendanceUserIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, listAttendanceUserIDs)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (q *Queries) list(ctx context.Context, sql string, args ...interface{}) ([]AttendanceRecord, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []AttendanceRecord{}
	for rows.Next() {
		i, err := scanAttendanceRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
