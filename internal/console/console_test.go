package console

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newConsoleDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "index.html", `<html><meta name="version" content="##proxyVersion#"></html>`)
	writeFile(t, dir, "static/app.js", "console.log('##proxyVersion#')")
	writeFile(t, dir, "static/css/site.css", "body{}")
	return dir
}

func TestProvider_Lookup(t *testing.T) {
	dir := newConsoleDir(t)
	p := NewProvider(dir, "1.4.2")

	tests := []struct {
		name     string
		path     string
		wantOK   bool
		wantName string
		wantType string
		contains string
	}{
		{"root serves index", "/", true, "index.html", "text/html", `content="1.4.2"`},
		{"index by name", "/index.html", true, "index.html", "text/html", `content="1.4.2"`},
		{"query ignored", "/index.html?v=1", true, "index.html", "text/html", "1.4.2"},
		{"script untouched", "/static/app.js", true, "static/app.js", "javascript", "##proxyVersion#"},
		{"nested css", "/static/css/site.css", true, "static/css/site.css", "text/css", "body{}"},
		{"missing file", "/static/missing.js", false, "", "", ""},
		{"directory", "/static", false, "", "", ""},
		{"traversal cleaned inside root", "/static/../index.html", true, "index.html", "text/html", "1.4.2"},
		{"traversal above root", "/../../etc/passwd", false, "", "", ""},
		{"api path", "/_api/web", false, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset, ok, err := p.Lookup(tt.path)
			if err != nil {
				t.Fatalf("Lookup(%q) error = %v", tt.path, err)
			}
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if asset.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", asset.Name, tt.wantName)
			}
			if !strings.Contains(asset.ContentType, tt.wantType) {
				t.Errorf("ContentType = %q, want to contain %q", asset.ContentType, tt.wantType)
			}
			if !strings.Contains(string(asset.Body), tt.contains) {
				t.Errorf("Body = %q, want to contain %q", asset.Body, tt.contains)
			}
		})
	}
}

func TestProvider_SymlinkOutsideRoot(t *testing.T) {
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "secret")

	dir := newConsoleDir(t)
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(dir, "leak.txt")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	_, ok, err := NewProvider(dir, "1").Lookup("/leak.txt")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if ok {
		t.Error("Lookup() followed a symlink out of the root")
	}
}

func TestProvider_MissingRoot(t *testing.T) {
	p := NewProvider(filepath.Join(t.TempDir(), "nope"), "1")
	_, ok, err := p.Lookup("/")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if ok {
		t.Error("Lookup() ok = true for missing root")
	}
}
