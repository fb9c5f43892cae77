// Package console serves the bundled web console from a local directory.
package console

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
)

// versionToken is replaced with the running version in index.html.
const versionToken = "##proxyVersion#"

const indexFile = "index.html"

// maxAssetBytes bounds a single asset read.
const maxAssetBytes = 32 << 20

// Asset is a file ready to be written to the client.
type Asset struct {
	Name        string
	ContentType string
	Body        []byte
}

// Provider looks up console assets under a root directory.
// Lookups cannot escape the root.
type Provider struct {
	root    string
	version string
}

// NewProvider creates a Provider rooted at dir.
func NewProvider(dir, version string) *Provider {
	return &Provider{root: dir, version: version}
}

// Lookup returns the asset for urlPath. The second result is false when no
// such file exists, including for directories and paths outside the root.
func (p *Provider) Lookup(urlPath string) (*Asset, bool, error) {
	name, ok := assetName(urlPath)
	if !ok {
		return nil, false, nil
	}

	root, err := os.OpenRoot(p.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open console root: %w", err)
	}
	defer func() { _ = root.Close() }()

	f, err := root.Open(name)
	if err != nil {
		// Escapes surface as plain errors from os.Root; treat them as absent.
		return nil, false, nil
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, false, nil
	}

	body, err := io.ReadAll(io.LimitReader(f, maxAssetBytes))
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", name, err)
	}
	if path.Base(name) == indexFile {
		body = bytes.ReplaceAll(body, []byte(versionToken), []byte(p.version))
	}

	return &Asset{Name: name, ContentType: contentType(name, body), Body: body}, true, nil
}

// assetName maps a URL path to a root-relative file name.
func assetName(urlPath string) (string, bool) {
	p, _, _ := strings.Cut(urlPath, "?")
	if p == "" || p == "/" {
		return indexFile, true
	}
	cleaned := path.Clean("/" + p)
	name := strings.TrimPrefix(cleaned, "/")
	if name == "" || !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}

func contentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}
