// Package archive packs a game directory into a zstd-compressed tarball and
// restores it.
package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	ArchiveName = "game.tar.zst"
	MetaName    = "meta.json"

	// skipped when packing; a restored game is never considered open.
	lockFileName = "session.lock"
)

var (
	ErrBackupExists  = errors.New("backup already exists")
	ErrRestoreTarget = errors.New("restore target already exists")
	ErrUnsafePath    = errors.New("archive entry escapes target directory")
)

type BackupMeta struct {
	Game      string `json:"game"`
	CreatedAt string `json:"created_at"`
	Files     int    `json:"files"`
	SizeBytes int64  `json:"size_bytes"`
	Archive   string `json:"archive"`
}

var now = time.Now

// BackupGame writes outDir/<game>_<stamp>/{game.tar.zst,meta.json} and returns
// the backup directory with its metadata. Callers flush the game first.
func BackupGame(gameDir, outDir string) (string, BackupMeta, error) {
	gameDir = filepath.Clean(gameDir)
	game := filepath.Base(gameDir)
	created := now().UTC()

	dir := filepath.Join(outDir, fmt.Sprintf("%s_%s", game, created.Format("20060102T150405Z")))
	if _, err := os.Stat(dir); err == nil {
		return "", BackupMeta{}, fmt.Errorf("%s: %w", dir, ErrBackupExists)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", BackupMeta{}, err
	}

	meta := BackupMeta{Game: game, CreatedAt: created.Format(time.RFC3339Nano), Archive: ArchiveName}
	files, size, err := writeTarZst(filepath.Join(dir, ArchiveName), gameDir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", BackupMeta{}, err
	}
	meta.Files = files
	meta.SizeBytes = size

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", BackupMeta{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, MetaName), b, 0o644); err != nil {
		return "", BackupMeta{}, err
	}
	return dir, meta, nil
}

func writeTarZst(dst, srcDir string) (files int, size int64, err error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, 0, err
	}
	tw := tar.NewWriter(enc)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil || rel == "." {
			return err
		}
		if d.Name() == lockFileName {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		files++
		size += n
		return nil
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = enc.Close()
		return 0, 0, walkErr
	}
	if err := tw.Close(); err != nil {
		return 0, 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, 0, err
	}
	return files, size, nil
}

func ReadMeta(backupDir string) (BackupMeta, error) {
	var m BackupMeta
	b, err := os.ReadFile(filepath.Join(backupDir, MetaName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%s: %w", MetaName, err)
	}
	return m, nil
}

// RestoreBackup extracts backupDir into root/<name>. An empty name restores
// under the game name recorded in meta.json. The target must not exist.
func RestoreBackup(backupDir, root, name string) (string, error) {
	meta, err := ReadMeta(backupDir)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = meta.Game
	}
	target := filepath.Join(root, name)
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%s: %w", target, ErrRestoreTarget)
	}

	// extract beside the target and rename so a failed restore leaves nothing
	tmp, err := os.MkdirTemp(root, "."+name+".restore-")
	if err != nil {
		return "", err
	}
	if err := extractTarZst(filepath.Join(backupDir, meta.Archive), tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.RemoveAll(tmp)
		return "", err
	}
	return target, nil
}

func extractTarZst(src, dstDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rel := filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/"))
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("%q: %w", hdr.Name, ErrUnsafePath)
		}
		path := filepath.Join(dstDir, rel)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
