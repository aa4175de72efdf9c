package db

import (
	"strings"
	"testing"

	"github.com/zulandar/memorybridge/internal/config"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, User: "root", Name: "memorybridge"},
			want: "root@tcp(127.0.0.1:3306)/memorybridge?",
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{Host: "10.0.0.5", Port: 3307, User: "bridge", Password: "secret", Name: "mb_prod"},
			want: "bridge:secret@tcp(10.0.0.5:3307)/mb_prod?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("DSN() = %q, want prefix %q", got, tt.want)
			}
			if !strings.Contains(got, "parseTime=true") {
				t.Errorf("DSN missing parseTime=true: %s", got)
			}
		})
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err)
	}
}

func TestOpenMemory_MigratesAllModels(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestAutoMigrate_Idempotent(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 9 {
		t.Errorf("len(AllModels()) = %d, want 9", got)
	}
}
