package db

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestUniqueViolation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		err     error
		wantKey string
		wantOK  bool
	}{
		{
			name:    "wrapped duplicate",
			err:     fmt.Errorf("exec failed: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'abc' for key 'submissions.PRIMARY'"}),
			wantKey: "submissions.PRIMARY",
			wantOK:  true,
		},
		{
			name:   "duplicate without key name",
			err:    &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"},
			wantOK: true,
		},
		{name: "other mysql error", err: &mysql.MySQLError{Number: 1146}},
		{name: "plain error", err: fmt.Errorf("boom")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, ok := UniqueViolation(tc.err)
			if ok != tc.wantOK || key != tc.wantKey {
				t.Fatalf("got key=%q ok=%v, want key=%q ok=%v", key, ok, tc.wantKey, tc.wantOK)
			}
		})
	}
}

func TestIsNoRows(t *testing.T) {
	t.Parallel()
	if !IsNoRows(fmt.Errorf("scan: %w", sql.ErrNoRows)) {
		t.Fatalf("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(nil) {
		t.Fatalf("nil is not ErrNoRows")
	}
}
