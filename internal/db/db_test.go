package db

import (
	"path/filepath"
	"testing"
)

func TestConnect_SQLite(t *testing.T) {
	gdb, err := Connect("sqlite:" + filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	var n int
	if err := gdb.Raw("SELECT 1").Scan(&n).Error; err != nil || n != 1 {
		t.Fatalf("select: %d %v", n, err)
	}
}

func TestDialectorFor(t *testing.T) {
	if _, err := dialectorFor("  "); err == nil {
		t.Fatalf("expected an error for an empty dsn")
	}
	d, err := dialectorFor("app:pass@tcp(127.0.0.1:3306)/tracker?parseTime=true")
	if err != nil || d.Name() != "mysql" {
		t.Fatalf("dialector = %v (%v)", d, err)
	}
	d, err = dialectorFor("file:x?mode=memory")
	if err != nil || d.Name() != "sqlite" {
		t.Fatalf("dialector = %v (%v)", d, err)
	}
}
