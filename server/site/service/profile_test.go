package service

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultProfile(t *testing.T) {
	p, err := LoadProfile("")
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if p.Name == "" || len(p.Skills) == 0 || len(p.Social) == 0 {
		t.Fatalf("default profile incomplete: %+v", p)
	}
}

func TestLoadProfileFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	content := "name: Mei\ngreeting: Hello\nskills:\n  - title: Drawing\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if p.Name != "Mei" || p.Title != "Mei" || len(p.Skills) != 1 || p.Skills[0].Title != "Drawing" {
		t.Fatalf("profile = %+v", p)
	}
}

func TestParseProfileRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"greeting: [", "greeting: hi\n"} {
		if _, err := ParseProfile([]byte(raw)); !errors.Is(err, ErrProfileInvalid) {
			t.Errorf("ParseProfile(%q) error = %v, want ErrProfileInvalid", raw, err)
		}
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
