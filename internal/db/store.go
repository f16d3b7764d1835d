package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"geohub/attendance/internal/attendance"
	"geohub/attendance/internal/geo"
	"geohub/attendance/internal/policy"
)

type Store struct {
	Pool    *pgxpool.Pool
	Queries *Queries
}

var _ attendance.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, Queries: New(pool)}
}

func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	queries := s.Queries.WithTx(tx)
	if err := fn(queries); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) GetRecord(ctx context.Context, userID string, date policy.Date) (attendance.Record, error) {
	row, err := s.Queries.GetAttendanceRecord(ctx, userID, date.Time())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return attendance.Record{}, attendance.ErrRecordNotFound
		}
		return attendance.Record{}, fmt.Errorf("get attendance record: %w", err)
	}
	return toRecord(row), nil
}

func (s *Store) InsertCheckIn(ctx context.Context, record attendance.Record) error {
	if record.CheckInTime == nil || record.CheckInLocation == nil {
		return fmt.Errorf("check-in time and location are required")
	}
	err := s.Queries.InsertCheckIn(ctx, InsertCheckInParams{
		ID:               record.ID,
		UserID:           record.UserID,
		AttendanceDate:   record.Date.Time(),
		CheckInTime:      record.CheckInTime.UTC(),
		CheckInLatitude:  record.CheckInLocation.Latitude,
		CheckInLongitude: record.CheckInLocation.Longitude,
		CheckInAccuracy:  record.CheckInLocation.AccuracyMeters,
		IsLate:           record.IsLate,
		IsWeekend:        record.Weekend,
		CreatedAt:        record.CreatedAt.UTC(),
		UpdatedAt:        record.UpdatedAt.UTC(),
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return attendance.ErrRecordExists
		}
		return fmt.Errorf("insert check-in: %w", err)
	}
	return nil
}

func (s *Store) CompleteCheckOut(ctx context.Context, userID string, date policy.Date, at time.Time, location attendance.Location) error {
	affected, err := s.Queries.CompleteCheckOut(ctx, CompleteCheckOutParams{
		UserID:            userID,
		AttendanceDate:    date.Time(),
		CheckOutTime:      at.UTC(),
		CheckOutLatitude:  location.Latitude,
		CheckOutLongitude: location.Longitude,
		CheckOutAccuracy:  location.AccuracyMeters,
	})
	if err != nil {
		return fmt.Errorf("complete check-out: %w", err)
	}
	if affected == 0 {
		return attendance.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ListUserRange(ctx context.Context, userID string, from, to policy.Date) ([]attendance.Record, error) {
	rows, err := s.Queries.ListUserAttendanceRange(ctx, userID, from.Time(), to.Time())
	if err != nil {
		return nil, fmt.Errorf("list user attendance: %w", err)
	}
	return toRecords(rows), nil
}

func (s *Store) ListRange(ctx context.Context, from, to policy.Date) ([]attendance.Record, error) {
	rows, err := s.Queries.ListAttendanceRange(ctx, from.Time(), to.Time())
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return toRecords(rows), nil
}

func (s *Store) ListDate(ctx context.Context, date policy.Date) ([]attendance.Record, error) {
	rows, err := s.Queries.ListAttendanceByDate(ctx, date.Time())
	if err != nil {
		return nil, fmt.Errorf("list attendance by date: %w", err)
	}
	return toRecords(rows), nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	ids, err := s.Queries.ListAttendanceUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	return ids, nil
}

func toRecords(rows []AttendanceRecord) []attendance.Record {
	records := make([]attendance.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, toRecord(row))
	}
	return records
}

func toRecord(row AttendanceRecord) attendance.Record {
	record := attendance.Record{
		ID:        row.ID,
		UserID:    row.UserID,
		Date:      policy.DateOf(row.AttendanceDate.UTC()),
		IsLate:    row.IsLate,
		Weekend:   row.IsWeekend,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if row.CheckInTime != nil {
		t := row.CheckInTime.UTC()
		record.CheckInTime = &t
		record.CheckInLocation = location(row.CheckInLatitude, row.CheckInLongitude, row.CheckInAccuracy)
	}
	if row.CheckOutTime != nil {
		t := row.CheckOutTime.UTC()
		record.CheckOutTime = &t
		record.CheckOutLocation = location(row.CheckOutLatitude, row.CheckOutLongitude, row.CheckOutAccuracy)
	}
	return record
}

func location(lat, lng, accuracy *float64) *attendance.Location {
	if lat == nil || lng == nil {
		return nil
	}
	return &attendance.Location{
		Point:          geo.Point{Latitude: *lat, Longitude: *lng},
		AccuracyMeters: accuracy,
	}
}
