package migrations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	statements []string
	failOn     string
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.failOn != "" && strings.Contains(sql, r.failOn) {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	r.statements = append(r.statements, sql)
	return pgconn.CommandTag{}, nil
}

func TestFilesAreOrdered(t *testing.T) {
	files, err := Files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected at least 3 migrations, got %v", files)
	}
	for i := 1; i < len(files); i++ {
		if files[i-1] >= files[i] {
			t.Fatalf("migrations out of order: %v", files)
		}
	}
}

func TestRunAppliesEveryFile(t *testing.T) {
	exec := &recordingExecer{}
	if err := RunPostgresMigrations(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}
	files, _ := Files()
	if len(exec.statements) != len(files) {
		t.Fatalf("expected %d statements, got %d", len(files), len(exec.statements))
	}
	if !strings.Contains(exec.statements[0], "CREATE TABLE IF NOT EXISTS listings") {
		t.Fatalf("expected listings table first")
	}
}

func TestRunStopsOnFailure(t *testing.T) {
	exec := &recordingExecer{failOn: "referral_tiers"}
	err := RunPostgresMigrations(context.Background(), exec)
	if err == nil || !strings.Contains(err.Error(), "002_referrals.sql") {
		t.Fatalf("expected failure naming the migration, got %v", err)
	}
}
