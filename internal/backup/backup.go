// Package backup snapshots the local cache with VACUUM INTO and keeps a
// rotating set of checksummed copies, optionally shipped off-site.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
)

const (
	filePrefix = "local_cache-"
	fileExt    = ".db"
	sumExt     = ".sha256"
	nameLayout = "20060102T150405.000000Z"
)

// Info describes one backup file.
type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Uploader ships a backup file off-site.
type Uploader interface {
	Upload(ctx context.Context, name, path string) error
}

// Manager creates, lists, restores and prunes backups of one database.
type Manager struct {
	db        *db.DB
	dir       string
	retention int
	uploader  Uploader
	now       func() time.Time
	log       *logging.Logger
}

// NewManager creates a manager writing into dir. retention <= 0 keeps every
// backup. uploader may be nil.
func NewManager(database *db.DB, dir string, retention int, uploader Uploader) *Manager {
	return &Manager{
		db:        database,
		dir:       dir,
		retention: retention,
		uploader:  uploader,
		now:       time.Now,
		log:       logging.WithComponent("backup"),
	}
}

// Create writes a consistent copy of the database and prunes old copies.
func (m *Manager) Create(ctx context.Context) (*Info, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create backup directory", err)
	}

	created := m.now().UTC()
	name := filePrefix + created.Format(nameLayout) + fileExt
	path := filepath.Join(m.dir, name)

	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "backup failed", err)
	}

	sum, size, err := checksum(path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path+sumExt, []byte(sum+"  "+name+"\n"), 0644); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to write checksum", err)
	}

	info := &Info{Name: name, Path: path, Size: size, SHA256: sum, CreatedAt: created}
	m.log.Info("backup created", map[string]interface{}{
		"name": name, "size": size, "sha256": sum,
	})

	if m.retention > 0 {
		if _, err := m.Prune(m.retention); err != nil {
			m.log.Warn("backup pruning failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return info, nil
}

// List returns the backups, newest first.
func (m *Manager) List() ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, filePrefix+"*"+fileExt))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to list backups", err)
	}

	out := make([]Info, 0, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		created, err := time.Parse(nameLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt))
		if err != nil {
			continue
		}
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:      name,
			Path:      path,
			Size:      st.Size(),
			SHA256:    readSum(path + sumExt),
			CreatedAt: created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Prune deletes all but the keep newest backups and returns how many went.
func (m *Manager) Prune(keep int) (int, error) {
	backups, err := m.List()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for i := keep; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err != nil && !os.IsNotExist(err) {
			return removed, apperrors.Wrap(apperrors.ErrInternal, "failed to remove "+backups[i].Name, err)
		}
		os.Remove(backups[i].Path + sumExt)
		removed++
	}
	if removed > 0 {
		m.log.Info("old backups pruned", map[string]interface{}{"removed": removed, "kept": keep})
	}
	return removed, nil
}

// Restore verifies the named backup, closes the database and copies the
// backup over its file. The caller must reopen the database afterwards.
func (m *Manager) Restore(ctx context.Context, name string) error {
	info, err := m.find(name)
	if err != nil {
		return err
	}
	if info.SHA256 != "" {
		sum, _, err := checksum(info.Path)
		if err != nil {
			return err
		}
		if sum != info.SHA256 {
			return apperrors.Newf(apperrors.ErrInvalid, "backup %s is corrupt: checksum mismatch", name)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target := m.db.Path()
	if err := m.db.Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to close database", err)
	}

	tmp := target + ".restore"
	if err := copyFile(info.Path, tmp); err != nil {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(target + suffix); err != nil && !os.IsNotExist(err) {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to remove "+suffix+" file", err)
		}
	}
	if err := os.Rename(tmp, target); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to replace database", err)
	}

	m.log.Info("backup restored", map[string]interface{}{"name": name, "target": target})
	return nil
}

// Upload sends the named backup and its checksum off-site.
func (m *Manager) Upload(ctx context.Context, name string) error {
	if m.uploader == nil {
		return apperrors.New(apperrors.ErrNotConfigured, "off-site storage is not configured")
	}
	info, err := m.find(name)
	if err != nil {
		return err
	}
	if err := m.uploader.Upload(ctx, info.Name, info.Path); err != nil {
		return err
	}
	if _, err := os.Stat(info.Path + sumExt); err == nil {
		if err := m.uploader.Upload(ctx, info.Name+sumExt, info.Path+sumExt); err != nil {
			return err
		}
	}
	m.log.Info("backup uploaded", map[string]interface{}{"name": name, "size": info.Size})
	return nil
}

func (m *Manager) find(name string) (*Info, error) {
	if name != filepath.Base(name) {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid backup name %q", name)
	}
	backups, err := m.List()
	if err != nil {
		return nil, err
	}
	for i := range backups {
		if backups[i].Name == name {
			return &backups[i], nil
		}
	}
	return nil, apperrors.Newf(apperrors.ErrNotFound, "backup %s not found", name)
}

func checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrInternal, "failed to open backup", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrInternal, "failed to hash backup", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// readSum reads a sha256sum-style sidecar. Missing sidecars yield "".
func readSum(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to open backup", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to create restore file", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("failed to copy %s", src), err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return apperrors.Wrap(apperrors.ErrInternal, "failed to flush restore file", err)
	}
	return out.Close()
}
