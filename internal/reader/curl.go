package reader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCurlFile is used when no file name is given.
const DefaultCurlFile = "curl_command.txt"

var ErrInvalidName = errors.New("invalid file name")

// CurlFile is the captured request the reader replays.
type CurlFile struct {
	Name    string `json:"filename"`
	Content string `json:"content"`
	Exists  bool   `json:"exists"`
}

// CurlFiles reads and writes curl command files inside one directory.
// Names are reduced to their base name, so callers cannot escape it.
type CurlFiles struct {
	dir string
}

func NewCurlFiles(dir string) *CurlFiles {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	return &CurlFiles{dir: dir}
}

// SanitizeName strips any directory part from name (both / and \ count as
// separators). An empty name selects DefaultCurlFile.
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultCurlFile, nil
	}
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// Load returns the file content. A missing file is not an error.
func (c *CurlFiles) Load(name string) (CurlFile, error) {
	name, err := SanitizeName(name)
	if err != nil {
		return CurlFile{}, err
	}
	b, err := os.ReadFile(filepath.Join(c.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return CurlFile{Name: name}, nil
	}
	if err != nil {
		return CurlFile{}, fmt.Errorf("read %s: %w", name, err)
	}
	return CurlFile{Name: name, Content: string(b), Exists: true}, nil
}

// Save writes content and returns the sanitized name actually used.
func (c *CurlFiles) Save(name, content string) (string, error) {
	name, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", c.dir, err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, name), []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return name, nil
}
