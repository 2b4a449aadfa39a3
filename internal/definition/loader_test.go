package definition

import (
	"strings"
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	f, err := l.LoadFile("testdata/steps/orders.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if f.BasePath != "flows" {
		t.Errorf("BasePath = %q, want flows", f.BasePath)
	}
	if len(f.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2", len(f.Steps))
	}

	intake := f.Steps[0]
	if intake.ID != "intake" || intake.Name != "Order intake" {
		t.Errorf("Step[0] = %q %q", intake.ID, intake.Name)
	}
	if !intake.IsEnabled() {
		t.Error("intake should default to enabled")
	}
	if len(intake.LockKeyFields) != 1 || intake.LockKeyFields[0] != "orderNo" {
		t.Errorf("LockKeyFields = %v", intake.LockKeyFields)
	}
	if intake.PageSize != 20 {
		t.Errorf("PageSize = %d, want 20", intake.PageSize)
	}
	if intake.Extends["tenant"] != "acme" {
		t.Errorf("Extends = %v", intake.Extends)
	}
	if intake.Lang["locked"] != "Order {{.Key}} is being edited." {
		t.Errorf("Lang = %v", intake.Lang)
	}
	if f.Steps[1].IsEnabled() {
		t.Error("review should be disabled")
	}
	if f.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if f.SourceFile != "testdata/steps/orders.yaml" {
		t.Errorf("SourceFile = %q", f.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	files, err := l.LoadAll([]string{"testdata/steps"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("LoadAll() returned %d files, want 2 (yaml and nested yml)", len(files))
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/nonexistent"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/invalid"})
	if err == nil {
		t.Fatal("LoadAll() with invalid YAML should return error")
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	f1, _ := l.LoadFile("testdata/steps/orders.yaml")
	f2, _ := l.LoadFile("testdata/steps/orders.yaml")
	if f1.Checksum != f2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}

func TestLoader_LoadValid(t *testing.T) {
	l := NewLoader()
	files, err := l.LoadValid([]string{"testdata/steps"}, NewValidator())
	if err != nil {
		t.Fatalf("LoadValid() error = %v", err)
	}
	if len(files) != 2 {
		t.Errorf("LoadValid() returned %d files, want 2", len(files))
	}
}

func TestLoader_LoadValid_reportsAllErrors(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadValid([]string{"testdata/duplicate"}, NewValidator())
	if err == nil {
		t.Fatal("LoadValid() should reject duplicate ids")
	}
	for _, want := range []string{`step "intake" is already defined`, `unknown action "approve"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should contain %q", err, want)
		}
	}
}
