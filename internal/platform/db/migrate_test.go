package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func sqlFile(s string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(s)} }

func TestLoadMigrations_OrderAndFiltering(t *testing.T) {
	src := fstest.MapFS{
		"010_outbox.sql":    sqlFile("CREATE TABLE c (id INT);"),
		"001_templates.sql": sqlFile("CREATE TABLE a (id INT);"),
		"2_responses.sql":   sqlFile("CREATE TABLE b (id INT);"),
		"readme.md":         sqlFile("docs"),
		"noprefix.sql":      sqlFile("SELECT 1;"),
		"abc_bad.sql":       sqlFile("SELECT 2;"),
		"sub/004_skip.sql":  sqlFile("SELECT 3;"),
	}

	got, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	var names []string
	for _, m := range got {
		names = append(names, m.Name)
	}
	if want := "001_templates.sql,2_responses.sql,010_outbox.sql"; strings.Join(names, ",") != want {
		t.Fatalf("got %v, want %s", names, want)
	}
	if got[2].Version != 10 || got[0].SQL != "CREATE TABLE a (id INT);" {
		t.Errorf("unexpected first/last: %+v %+v", got[0], got[2])
	}

	empty, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil || len(empty) != 0 {
		t.Errorf("empty source: %v %v", empty, err)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"003_a.sql":  sqlFile("SELECT 1;"),
		"0003_b.sql": sqlFile("SELECT 2;"),
	}
	if _, err := NewMigrator(nil, src).LoadMigrations(); err == nil || !strings.Contains(err.Error(), "share version 3") {
		t.Errorf("expected duplicate version error, got %v", err)
	}
}

func TestMergeStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := mergeStatus([]Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}, map[int]time.Time{1: at})

	if len(st) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(st))
	}
	if !st[0].Applied || st[0].AppliedAt == nil || !st[0].AppliedAt.Equal(at) {
		t.Errorf("migration 1: %+v", st[0])
	}
	if st[1].Applied || st[1].AppliedAt != nil {
		t.Errorf("migration 2 should be pending: %+v", st[1])
	}
}

func TestBookkeepingDDL(t *testing.T) {
	for _, bad := range []string{"", "a-b", "drop;table", "1abc", "hrq.public"} {
		if _, err := bookkeepingDDL(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
	ddl, err := bookkeepingDDL("hrq_test")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ddl, "CREATE TABLE IF NOT EXISTS hrq_test._migrations") {
		t.Errorf("unexpected DDL: %s", ddl)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := NewMigrator(nil, Migrations()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 embedded migrations, got %d", len(got))
	}
	for i, m := range got {
		if m.Version != i+1 {
			t.Errorf("expected contiguous versions, got %d at %d", m.Version, i)
		}
	}
	if !strings.Contains(got[1].SQL, "questionnaire_response_one_open_draft") {
		t.Error("response migration must declare the open-draft unique index")
	}
	if !strings.Contains(got[4].SQL, "dead_at") {
		t.Error("outbox lease migration must add dead_at")
	}
}

func TestEmbeddedMigrations_FinalTriggerLetsDraftsBeDeleted(t *testing.T) {
	got, err := NewMigrator(nil, Migrations()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	var last string
	for _, m := range got {
		if strings.Contains(m.SQL, "FUNCTION questionnaire_response_final()") {
			last = m.SQL
		}
	}
	if last == "" {
		t.Fatal("no migration defines questionnaire_response_final")
	}
	// A BEFORE DELETE row trigger that yields NEW (NULL) silently cancels the delete.
	if !strings.Contains(last, "TG_OP = 'DELETE'") || !strings.Contains(last, "RETURN OLD;") {
		t.Errorf("latest questionnaire_response_final must return OLD on delete:\n%s", last)
	}
}
