package services

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"netmigrate/logging"
	"netmigrate/models"
)

const (
	// OutputDirName is where the converter leaves its results inside a workspace.
	OutputDirName = "NM-migrated"
	// ConnectionsDirName holds the NetworkManager profiles inside the output.
	ConnectionsDirName = "system-connections"

	workspacePrefix = "job-"
)

// Workspace is an exclusively owned job directory.
type Workspace struct {
	Path string
}

// Workspaces allocates and reclaims job directories under one root.
type Workspaces struct {
	root   string
	logger zerolog.Logger
}

func NewWorkspaces(root string, logger zerolog.Logger) (*Workspaces, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Workspaces{root: root, logger: logging.Component(logger, "workspace")}, nil
}

// Root returns the directory workspaces are created in.
func (w *Workspaces) Root() string {
	return w.root
}

// Create allocates a fresh directory. The name comes from its own random id
// and is unrelated to the job id handed out later.
func (w *Workspaces) Create() (Workspace, error) {
	path := filepath.Join(w.root, workspacePrefix+xid.New().String())
	if err := os.Mkdir(path, 0o700); err != nil {
		return Workspace{}, fmt.Errorf("%w: create workspace: %v", models.ErrIO, err)
	}
	return Workspace{Path: path}, nil
}

// Write materializes files in the workspace. An existing file at the target
// path is an error, so duplicate names in one batch cannot overwrite each other.
func (w *Workspaces) Write(ws Workspace, files []models.InputFile) error {
	for _, f := range files {
		name, err := cleanFileName(f.Name)
		if err != nil {
			return err
		}

		out, err := os.OpenFile(filepath.Join(ws.Path, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return fmt.Errorf("%w: create %s: %v", models.ErrIO, name, err)
		}
		if _, err := out.Write(f.Content); err != nil {
			out.Close()
			return fmt.Errorf("%w: write %s: %v", models.ErrIO, name, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("%w: close %s: %v", models.ErrIO, name, err)
		}
	}
	return nil
}

// LocateOutput returns the converter's output directory.
func (w *Workspaces) LocateOutput(ws Workspace) (string, error) {
	out := filepath.Join(ws.Path, OutputDirName)
	info, err := os.Stat(out)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", models.ErrOutputMissing, out)
		}
		return "", fmt.Errorf("%w: stat output: %v", models.ErrIO, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", models.ErrOutputMissing, out)
	}
	return out, nil
}

// PackageAsArchive tars the tree below path recursively. Entry names are
// relative to path.
func (w *Workspaces) PackageAsArchive(path string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == path {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: archive %s: %v", models.ErrPackaging, path, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("%w: finish archive: %v", models.ErrPackaging, err)
	}
	return buf.Bytes(), nil
}

// PackageAsRecords lists the regular files directly below the connections
// directory of path, or below path itself when there is none. It does not
// recurse.
func (w *Workspaces) PackageAsRecords(path string) ([]models.FileRecord, error) {
	dir := path
	if info, err := os.Stat(filepath.Join(path, ConnectionsDirName)); err == nil && info.IsDir() {
		dir = filepath.Join(path, ConnectionsDirName)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrPackaging, dir, err)
	}

	records := make([]models.FileRecord, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", models.ErrPackaging, e.Name(), err)
		}
		records = append(records, models.FileRecord{FileName: e.Name(), FileContent: string(content)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].FileName < records[j].FileName })
	return records, nil
}

// Destroy removes the workspace. Failures are logged and swallowed.
func (w *Workspaces) Destroy(path string) {
	if path == "" {
		return
	}
	if !w.owns(path) {
		w.logger.Error().Str("workspace", path).Msg("Refusing to remove path outside workspace root")
		return
	}
	if err := os.RemoveAll(path); err != nil {
		w.logger.Error().Err(err).Str("workspace", path).Msg("Failed to remove workspace")
		return
	}
	w.logger.Debug().Str("workspace", path).Msg("Workspace removed")
}

func (w *Workspaces) owns(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !strings.ContainsRune(rel, filepath.Separator)
}

func cleanFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidFileName, name)
	}
	return name, nil
}
