package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_KnownKinds(t *testing.T) {
	c := Default()

	tests := []struct {
		kind   string
		points int
	}{
		{"tab_switch", 20},
		{"window_blur", 10},
		{"fullscreen_exit", 15},
		{"copy_attempt", 10},
		{"paste_attempt", 15},
		{"right_click", 5},
		{"devtools_open", 30},
		{"multiple_faces", 40},
		{"no_face", 25},
		{"phone_detected", 35},
		{"device_change", 40},
		{"ip_change", 10},
		{"session_terminated", 0},
	}

	for _, tc := range tests {
		t.Run(tc.kind, func(t *testing.T) {
			points, err := c.Lookup(tc.kind)
			if err != nil {
				t.Fatalf("Lookup(%q) error: %v", tc.kind, err)
			}
			if points != tc.points {
				t.Errorf("Lookup(%q) = %d, want %d", tc.kind, points, tc.points)
			}
		})
	}
}

func TestLookup_UnknownKindFailsClosed(t *testing.T) {
	c := Default()

	if _, err := c.Lookup("gaze_away"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := c.Lookup(""); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind for empty kind, got %v", err)
	}
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	points, err := c.Lookup("tab_switch")
	if err != nil || points != 20 {
		t.Fatalf("Lookup(tab_switch) = %d, %v; want 20, nil", points, err)
	}
}

func TestLoad_MergesOverrides(t *testing.T) {
	path := writeCatalogFile(t, `{"tab_switch": 25, "gaze_away": 12}`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	// Re-weighted kind
	if points, _ := c.Lookup("tab_switch"); points != 25 {
		t.Errorf("tab_switch = %d, want 25", points)
	}
	// Added kind
	if points, err := c.Lookup("gaze_away"); err != nil || points != 12 {
		t.Errorf("gaze_away = %d, %v; want 12, nil", points, err)
	}
	// Untouched default survives the merge
	if points, _ := c.Lookup("devtools_open"); points != 30 {
		t.Errorf("devtools_open = %d, want 30", points)
	}
}

func TestLoad_RejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", `weights: yes`},
		{"negative points", `{"tab_switch": -5}`},
		{"wrong value type", `{"tab_switch": "high"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeCatalogFile(t, tc.content)
			if _, err := Load(path); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReserved(t *testing.T) {
	for _, kind := range []string{KindDeviceChange, KindIPChange, KindSessionTerminated} {
		if !Reserved(kind) {
			t.Errorf("Reserved(%q) = false, want true", kind)
		}
	}
	for _, kind := range []string{"tab_switch", "multiple_faces", ""} {
		if Reserved(kind) {
			t.Errorf("Reserved(%q) = true, want false", kind)
		}
	}
}

func TestKinds_SortedAndComplete(t *testing.T) {
	c := Default()
	kinds := c.Kinds()
	if len(kinds) != 13 {
		t.Fatalf("expected 13 default kinds, got %d", len(kinds))
	}
	for i := 1; i < len(kinds); i++ {
		if kinds[i-1] >= kinds[i] {
			t.Fatalf("kinds not sorted: %q before %q", kinds[i-1], kinds[i])
		}
	}
}

func writeCatalogFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog file: %v", err)
	}
	return path
}
