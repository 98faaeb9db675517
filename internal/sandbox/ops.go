package sandbox

import (
	"archive/zip"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

func init() {
	// klauspost/compress's flate reader is a drop-in, faster decompressor
	// for the deflate method archive/zip uses by default.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// Entry mirrors one element of a `list` response: {name, isfile, islink}.
type Entry struct {
	Name   string `json:"name"`
	IsFile bool   `json:"isfile"`
	IsLink bool   `json:"islink"`
}

// Stat mirrors the `stat` response: {size, isfile, ctime, mtime}.
type Stat struct {
	Size   int64 `json:"size"`
	IsFile bool  `json:"isfile"`
	Ctime  int64 `json:"ctime"`
	Mtime  int64 `json:"mtime"`
}

// mkdirAll creates every path component under root, tolerating components
// that already exist. os.Root intentionally exposes no path outside its
// tree, so this walks one component at a time rather than shelling out to
// filepath-based helpers that assume an *os.File-style absolute path.
func mkdirAll(root *os.Root, rel string) error {
	if rel == "." || rel == "" {
		return nil
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if cur == "" {
			cur = p
		} else {
			cur = cur + "/" + p
		}
		if err := root.Mkdir(cur, 0o755); err != nil && !os.IsExist(err) {
			return err
		}
	}
	return nil
}

// List returns the non-recursive contents of dir.
func (s *Sandbox) List(dir string) ([]Entry, error) {
	rel := s.resolve(dir)
	entries, err := fs.ReadDir(s.root.FS(), relForFS(rel))
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", dir, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		isLink := err == nil && info.Mode()&os.ModeSymlink != 0
		out = append(out, Entry{Name: e.Name(), IsFile: !e.IsDir(), IsLink: isLink})
	}
	return out, nil
}

// Mkdir creates dir and any missing parents.
func (s *Sandbox) Mkdir(dir string) error {
	if err := mkdirAll(s.root, s.resolve(dir)); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}
	return nil
}

// StatPath reports size/type/timestamps for a sandboxed path.
func (s *Sandbox) StatPath(p string) (Stat, error) {
	info, err := fs.Stat(s.root.FS(), relForFS(s.resolve(p)))
	if err != nil {
		return Stat{}, fmt.Errorf("stat %q: %w", p, err)
	}
	return Stat{
		Size:   info.Size(),
		IsFile: !info.IsDir(),
		Ctime:  info.ModTime().Unix(),
		Mtime:  info.ModTime().Unix(),
	}, nil
}

// Download reads a sandboxed file and returns its contents.
func (s *Sandbox) Download(p string) ([]byte, error) {
	f, err := s.root.Open(s.resolve(p))
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", p, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", p, err)
	}
	return data, nil
}

// DownloadBase64 is Download with the result base64-encoded for the wire.
func (s *Sandbox) DownloadBase64(p string) (string, error) {
	data, err := s.Download(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Upload writes data to a sandboxed path, creating parent directories.
func (s *Sandbox) Upload(p string, data []byte) error {
	rel := s.resolve(p)
	if dir := filepath.Dir(filepath.ToSlash(rel)); dir != "." {
		if err := mkdirAll(s.root, dir); err != nil {
			return fmt.Errorf("upload %q: %w", p, err)
		}
	}
	f, err := s.root.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("upload %q: %w", p, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("upload %q: %w", p, err)
	}
	return nil
}

// UploadBase64 is Upload accepting base64-encoded wire data.
func (s *Sandbox) UploadBase64(p, b64 string) error {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("upload %q: decode base64: %w", p, err)
	}
	return s.Upload(p, data)
}

// Remove deletes a sandboxed file or empty directory.
func (s *Sandbox) Remove(p string) error {
	if err := s.root.Remove(s.resolve(p)); err != nil {
		return fmt.Errorf("remove %q: %w", p, err)
	}
	return nil
}

// Move renames a sandboxed path to another sandboxed path.
func (s *Sandbox) Move(src, dst string) error {
	if err := s.root.Rename(s.resolve(src), s.resolve(dst)); err != nil {
		return fmt.Errorf("move %q -> %q: %w", src, dst, err)
	}
	return nil
}

// Copy duplicates a sandboxed file to another sandboxed path.
func (s *Sandbox) Copy(src, dst string) error {
	data, err := s.Download(src)
	if err != nil {
		return fmt.Errorf("copy %q -> %q: %w", src, dst, err)
	}
	if err := s.Upload(dst, data); err != nil {
		return fmt.Errorf("copy %q -> %q: %w", src, dst, err)
	}
	return nil
}

const maxFetchBytes = 256 * 1024 * 1024

// FetchFromURL downloads url and writes its body to a sandboxed destination.
func (s *Sandbox) FetchFromURL(url, dest string) error {
	client := http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("fetch %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("fetch %q: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return fmt.Errorf("fetch %q: %w", url, err)
	}
	if len(data) > maxFetchBytes {
		return fmt.Errorf("fetch %q: response exceeds %d bytes", url, maxFetchBytes)
	}
	return s.Upload(dest, data)
}

// DownloadExtractZip fetches a zip archive and extracts it into destDir,
// rejecting any entry whose normalized path would escape destDir.
func (s *Sandbox) DownloadExtractZip(url, destDir string) error {
	tmp, err := os.CreateTemp("", "renode-ws-proxy-fetch-*.zip")
	if err != nil {
		return fmt.Errorf("extract zip %q: %w", url, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	client := http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("extract zip %q: %w", url, err)
	}
	_, copyErr := io.Copy(tmp, io.LimitReader(resp.Body, maxFetchBytes+1))
	resp.Body.Close()
	closeErr := tmp.Close()
	if copyErr != nil {
		return fmt.Errorf("extract zip %q: %w", url, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("extract zip %q: %w", url, closeErr)
	}

	zr, err := zip.OpenReader(tmpPath)
	if err != nil {
		return fmt.Errorf("extract zip %q: %w", url, err)
	}
	defer zr.Close()

	if err := mkdirAll(s.root, s.resolve(destDir)); err != nil {
		return fmt.Errorf("extract zip %q: %w", url, err)
	}

	for _, f := range zr.File {
		// zip-slip guard: reject entries that normalize outside destDir,
		// in addition to the sandbox's own os.Root containment.
		cleaned := filepath.ToSlash(filepath.Clean(f.Name))
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return fmt.Errorf("extract zip %q: entry %q escapes destination", url, f.Name)
		}
		destRel := s.resolve(filepath.Join(destDir, f.Name))
		if f.FileInfo().IsDir() {
			if err := mkdirAll(s.root, destRel); err != nil {
				return fmt.Errorf("extract zip %q: %w", url, err)
			}
			continue
		}
		if dir := filepath.Dir(filepath.ToSlash(destRel)); dir != "." {
			if err := mkdirAll(s.root, dir); err != nil {
				return fmt.Errorf("extract zip %q: %w", url, err)
			}
		}
		if err := extractZipEntry(s.root, f, destRel); err != nil {
			return fmt.Errorf("extract zip %q: %w", url, err)
		}
	}
	return nil
}

func extractZipEntry(root *os.Root, f *zip.File, destRel string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := root.OpenFile(destRel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

var showAnalyzerRE = regexp.MustCompile(`(?m)^showAnalyzer\s+([A-Za-z0-9_.]+)\s*$`)

// ReplaceAnalyzer rewrites `showAnalyzer <id>` lines in a sandboxed script
// file into a server-socket terminal + connector pair, so the emulator's
// console output can be captured over a socket instead of a GUI widget.
func (s *Sandbox) ReplaceAnalyzer(p string) error {
	data, err := s.Download(p)
	if err != nil {
		return fmt.Errorf("replace analyzer %q: %w", p, err)
	}
	rewritten := showAnalyzerRE.ReplaceAll(data, []byte(`emulation CreateServerSocketTerminal 29172 "term"; connector Connect $1 term`))
	if err := s.Upload(p, rewritten); err != nil {
		return fmt.Errorf("replace analyzer %q: %w", p, err)
	}
	return nil
}

// relForFS adapts a root-relative path for use with fs.ReadDir/fs.Stat,
// which expect "." rather than "" for the tree root.
func relForFS(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}
