package validation

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		ident   string
		wantErr bool
	}{
		{"plain", "SiteTree", false},
		{"underscore", "Member_Live", false},
		{"space allowed when quoted", "Page Title", false},
		{"unicode", "Straße", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"double quote", `Bad"Name`, true},
		{"backtick", "Bad`Name", true},
		{"bracket", "[Name]", true},
		{"dot breaks catalog names", "a.b", true},
		{"control character", "Name\n", true},
		{"reserved prefix", "sqlite_sequence", true},
		{"reserved prefix any case", "SQLite_stat1", true},
		{"too long", strings.Repeat("x", MaxIdentifierLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.ident)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidIdentifier) {
					t.Errorf("ValidateIdentifier(%q) error = %v, want ErrInvalidIdentifier", tt.ident, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateIdentifier(%q) unexpected error: %v", tt.ident, err)
			}
		})
	}
}

func TestSanitizePath(t *testing.T) {
	baseDir := t.TempDir()

	tests := []struct {
		name      string
		userPath  string
		want      string
		wantError error
	}{
		{"simple", "Page.sql.xz", "Page.sql.xz", nil},
		{"nested", "2026/Page.sql.xz", filepath.Join("2026", "Page.sql.xz"), nil},
		{"redundant separators", "2026//Page.sql.xz", filepath.Join("2026", "Page.sql.xz"), nil},
		{"dot component", "./Page.sql.xz", "Page.sql.xz", nil},
		{"traversal", "../etc/passwd", "", ErrPathTraversal},
		{"traversal in middle", "a/../../etc/passwd", "", ErrPathTraversal},
		{"absolute", "/etc/passwd", "", ErrPathTraversal},
		{"empty", "", "", ErrEmptyPath},
		{"too long", strings.Repeat("a/", 2048) + "x", "", ErrPathTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizePath(baseDir, tt.userPath)
			if tt.wantError != nil {
				if !errors.Is(err, tt.wantError) {
					t.Errorf("SanitizePath() error = %v, want %v", err, tt.wantError)
				}
				return
			}
			if err != nil {
				t.Fatalf("SanitizePath() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("SanitizePath() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		filename  string
		wantError error
	}{
		{"Page-20261019T120000.sql.xz", nil},
		{"", ErrInvalidFilename},
		{"..", ErrInvalidFilename},
		{"a/b", ErrInvalidFilename},
		{"a\\b", ErrInvalidFilename},
		{"a\x00b", ErrInvalidFilename},
		{"-rf", ErrInvalidFilename},
		{strings.Repeat("a", MaxFilenameLength+1), ErrFilenameTooLong},
	}
	for _, tt := range tests {
		err := ValidateFilename(tt.filename)
		if tt.wantError == nil && err != nil {
			t.Errorf("ValidateFilename(%q) unexpected error: %v", tt.filename, err)
		}
		if tt.wantError != nil && !errors.Is(err, tt.wantError) {
			t.Errorf("ValidateFilename(%q) error = %v, want %v", tt.filename, err, tt.wantError)
		}
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantError error
	}{
		{"relative", "site.db", nil},
		{"absolute", "/var/lib/site/site.db", nil},
		{"memory", ":memory:", nil},
		{"empty", "", ErrEmptyPath},
		{"null byte", "site\x00.db", ErrInvalidCharacter},
		{"control", "site\n.db", ErrInvalidCharacter},
		{"too long", strings.Repeat("a/", 2048) + "x.db", ErrPathTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.wantError == nil {
				if err != nil {
					t.Errorf("ValidatePath() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantError) {
				t.Errorf("ValidatePath() error = %v, want %v", err, tt.wantError)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name      string
		filename  string
		want      string
		wantError error
	}{
		{"unchanged", "Page.sql.xz", "Page.sql.xz", nil},
		{"trimmed", "  Page  ", "Page", nil},
		{"slashes", "a/b\\c", "a_b_c", nil},
		{"control removed", "Pa\nge", "Page", nil},
		{"leading hyphen", "-Page", "Page", nil},
		{"empty", "", "", ErrInvalidFilename},
		{"only hyphens", "---", "", ErrInvalidFilename},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeFilename(tt.filename)
			if tt.wantError != nil {
				if !errors.Is(err, tt.wantError) {
					t.Errorf("SanitizeFilename() error = %v, want %v", err, tt.wantError)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("SanitizeFilename() = %q, %v, want %q", got, err, tt.want)
			}
		})
	}
}

func TestDetectFileType(t *testing.T) {
	tests := []struct {
		name     string
		head     []byte
		filename string
		want     FileType
	}{
		{"yaml by extension", []byte("tables:\n"), "schema.yaml", FileTypeYAML},
		{"yml by extension", []byte("tables:\n"), "schema.yml", FileTypeYAML},
		{"json by extension", []byte("{}"), "schema.json", FileTypeJSON},
		{"xml by extension", []byte("<schema/>"), "schema.xml", FileTypeXML},
		{"xz magic wins", []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00, 0x01}, "dump.sql", FileTypeXZ},
		{"sqlite magic wins", []byte("SQLite format 3\x00rest"), "data.bin", FileTypeSQLite},
		{"sniff json", []byte("  {\"tables\": []}"), "schema", FileTypeJSON},
		{"sniff json array", []byte("[]"), "-", FileTypeJSON},
		{"sniff xml", []byte("\n<?xml version=\"1.0\"?>"), "schema", FileTypeXML},
		{"sniff yaml", []byte("tables:\n  - name: Page\n"), "schema", FileTypeYAML},
		{"binary unknown", []byte{0x00, 0x01, 0x02}, "schema", FileTypeUnknown},
		{"empty unknown", nil, "schema", FileTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFileType(tt.head, tt.filename); got != tt.want {
				t.Errorf("DetectFileType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsLikelyText(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want bool
	}{
		{"ascii", []byte("name: Page"), true},
		{"utf8", []byte("name: Straße"), true},
		{"empty", nil, false},
		{"null byte", []byte("a\x00b"), false},
		{"mostly control", []byte{0x01, 0x02, 0x03, 'a'}, false},
	}
	for _, tt := range tests {
		if got := isLikelyText(tt.buf); got != tt.want {
			t.Errorf("%s: isLikelyText() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func BenchmarkValidateIdentifier(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = ValidateIdentifier("SiteTree_Live")
	}
}
