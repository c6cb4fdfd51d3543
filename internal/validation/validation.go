// Package validation provides input validation and sanitization for the
// names and paths the migration tool accepts from schema files and flags:
// SQL identifiers, database and backup paths, and input file formats.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// Limits on user-supplied input.
const (
	// MaxFileSize is the maximum allowed schema file size (16 MB).
	MaxFileSize = 16 << 20
	// MaxFilenameLength is the maximum allowed filename length.
	MaxFilenameLength = 255
	// MaxPathLength is the maximum allowed path length.
	MaxPathLength = 4096
	// MaxIdentifierLength bounds table, column and index names.
	MaxIdentifierLength = 128
)

// Common validation errors.
var (
	ErrPathTraversal     = errors.New("path traversal detected")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrPathTooLong       = errors.New("path too long")
	ErrFilenameTooLong   = errors.New("filename too long")
	ErrInvalidCharacter  = errors.New("invalid character in path")
	ErrEmptyPath         = errors.New("path cannot be empty")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// ValidateIdentifier checks a table, column or index name. Names are always
// quoted when rendered, so only characters that break quoting or the
// "<table>.<index>" catalog convention are rejected.
func ValidateIdentifier(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidIdentifier, name, MaxIdentifierLength)
	}
	if strings.ContainsAny(name, "\"`[]") {
		return fmt.Errorf("%w: %q contains a quote character", ErrInvalidIdentifier, name)
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("%w: %q contains a dot", ErrInvalidIdentifier, name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains a control character", ErrInvalidIdentifier, name)
		}
	}
	if strings.HasPrefix(strings.ToLower(name), "sqlite_") {
		return fmt.Errorf("%w: %q uses the reserved sqlite_ prefix", ErrInvalidIdentifier, name)
	}
	return nil
}

// SanitizePath validates and sanitizes a user-supplied path to prevent path traversal attacks.
// It ensures the path does not escape the provided base directory.
// Returns the cleaned path relative to the base directory, or an error if invalid.
func SanitizePath(baseDir, userPath string) (string, error) {
	if userPath == "" {
		return "", ErrEmptyPath
	}

	if len(userPath) > MaxPathLength {
		return "", ErrPathTooLong
	}

	cleanPath := filepath.Clean(userPath)

	if strings.Contains(cleanPath, "..") {
		return "", ErrPathTraversal
	}

	if filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("%w: absolute path not allowed", ErrPathTraversal)
	}

	fullPath := filepath.Join(baseDir, cleanPath)
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}

	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	relPath, err := filepath.Rel(absBase, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", ErrPathTraversal
	}

	return cleanPath, nil
}

// ValidateFilename checks if a filename is safe and does not contain malicious characters.
func ValidateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}

	if len(filename) > MaxFilenameLength {
		return ErrFilenameTooLong
	}

	if filename == "." || filename == ".." {
		return fmt.Errorf("%w: reserved name", ErrInvalidFilename)
	}

	if strings.ContainsAny(filename, "/\\") {
		return fmt.Errorf("%w: path separator not allowed", ErrInvalidFilename)
	}

	if strings.Contains(filename, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidFilename)
	}

	for _, r := range filename {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidFilename)
		}
	}

	// Can be confused with command flags
	if strings.HasPrefix(filename, "-") {
		return fmt.Errorf("%w: filename cannot start with hyphen", ErrInvalidFilename)
	}

	return nil
}

// ValidatePath checks a database or schema file path for length limits and
// invalid characters. It does not require a base directory.
func ValidatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	if len(path) > MaxPathLength {
		return ErrPathTooLong
	}

	if strings.Contains(path, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
	}

	for _, r := range path {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidCharacter)
		}
	}

	return nil
}

// SanitizeFilename turns a table name or timestamp label into a safe
// filename by removing or replacing invalid characters.
func SanitizeFilename(filename string) (string, error) {
	if filename == "" {
		return "", ErrInvalidFilename
	}

	filename = strings.TrimSpace(filename)

	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")

	filename = strings.ReplaceAll(filename, "\x00", "")

	var cleaned strings.Builder
	for _, r := range filename {
		if !unicode.IsControl(r) {
			cleaned.WriteRune(r)
		}
	}
	filename = cleaned.String()

	filename = strings.TrimLeft(filename, "-")

	if err := ValidateFilename(filename); err != nil {
		return "", err
	}

	return filename, nil
}

// FileType is a detected input file format.
type FileType string

const (
	FileTypeYAML    FileType = "yaml"
	FileTypeJSON    FileType = "json"
	FileTypeXML     FileType = "xml"
	FileTypeSQLite  FileType = "sqlite"
	FileTypeXZ      FileType = "xz"
	FileTypeUnknown FileType = "unknown"
)

// magicBytes defines magic byte signatures for binary formats.
var magicBytes = []struct {
	fileType FileType
	magic    []byte
}{
	{FileTypeXZ, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}},
	{FileTypeSQLite, []byte("SQLite format 3\x00")},
}

// DetectFileType determines the format of a file. Binary magic wins over the
// extension; text content is sniffed only when the extension is unknown.
func DetectFileType(head []byte, filename string) FileType {
	if t := detectFileTypeFromMagic(head); t != FileTypeUnknown {
		return t
	}
	if t := detectFileTypeFromExtension(filename); t != FileTypeUnknown {
		return t
	}
	return detectFileTypeFromContent(head)
}

func detectFileTypeFromMagic(buf []byte) FileType {
	for _, sig := range magicBytes {
		if bytes.HasPrefix(buf, sig.magic) {
			return sig.fileType
		}
	}
	return FileTypeUnknown
}

func detectFileTypeFromExtension(filename string) FileType {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FileTypeYAML
	case ".json":
		return FileTypeJSON
	case ".xml":
		return FileTypeXML
	case ".sqlite", ".sqlite3", ".db":
		return FileTypeSQLite
	case ".xz":
		return FileTypeXZ
	default:
		return FileTypeUnknown
	}
}

// detectFileTypeFromContent sniffs text formats. Anything that looks like
// text and is neither JSON nor XML is treated as YAML.
func detectFileTypeFromContent(buf []byte) FileType {
	if !isLikelyText(buf) {
		return FileTypeUnknown
	}
	trimmed := bytes.TrimLeft(buf, " \t\r\n\ufeff")
	switch {
	case len(trimmed) == 0:
		return FileTypeUnknown
	case trimmed[0] == '{' || trimmed[0] == '[':
		return FileTypeJSON
	case trimmed[0] == '<':
		return FileTypeXML
	default:
		return FileTypeYAML
	}
}

// isLikelyText checks if the buffer contains likely text content.
func isLikelyText(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}

	// Null bytes are a strong indicator of binary content
	if bytes.IndexByte(buf, 0) != -1 {
		return false
	}

	printable := 0
	control := 0
	for _, b := range buf {
		if b >= 0x20 && b <= 0x7e || b == '\t' || b == '\n' || b == '\r' {
			printable++
		} else if b < 0x20 {
			control++
		}
		// UTF-8 continuation and start bytes are neutral
	}

	return printable > 0 && float64(printable)/float64(printable+control) > 0.95
}
