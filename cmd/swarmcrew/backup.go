package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/store"
	"github.com/spf13/cobra"
)

// Archive sections. The run history lives under store/, crew files under crews/.
const (
	sectionStore = "store"
	sectionCrews = "crews"
)

func newBackupCmd(load loader) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the run history and crew files to a .tar.zst file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			n, err := runBackup(cfg, output)
			if err != nil {
				return err
			}
			info, _ := os.Stat(output)
			size := int64(0)
			if info != nil {
				size = info.Size()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup complete: %d files, %s\n", n, formatSize(size))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "file", "f", "", "output archive (.tar.zst)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRestoreCmd(load loader) *cobra.Command {
	var input string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the run history and crew files from a backup; stop the manager first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			n, err := runRestore(cfg, input, overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restore complete: %d files\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "file", "f", "", "backup archive (.tar.zst)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing files")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// runBackup writes a snapshot of the store and every crew file to output and
// returns the number of archived files.
func runBackup(cfg *config.Config, output string) (int, error) {
	tmp, err := os.MkdirTemp("", "swarmcrew-backup-")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(tmp)

	db, err := store.New(cfg.Store)
	if err != nil {
		return 0, fmt.Errorf("open store: %w", err)
	}
	snapshot := filepath.Join(tmp, filepath.Base(cfg.Store.Path))
	err = db.Snapshot(snapshot)
	db.Close()
	if err != nil {
		return 0, err
	}

	f, err := os.Create(output)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0
	if err := addFile(tw, path.Join(sectionStore, filepath.Base(cfg.Store.Path)), snapshot); err != nil {
		return 0, err
	}
	count++

	entries, err := os.ReadDir(cfg.Crew.Dir)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read crews dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		slog.Info("backing up crew", "file", e.Name())
		if err := addFile(tw, path.Join(sectionCrews, e.Name()), filepath.Join(cfg.Crew.Dir, e.Name())); err != nil {
			return 0, err
		}
		count++
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	return count, nil
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

// restoreTarget maps an archive entry to its destination, or "" for entries that
// are not restored.
func restoreTarget(cfg *config.Config, name string) string {
	section, rel := splitArchivePath(name)
	switch section {
	case sectionStore:
		return cfg.Store.Path
	case sectionCrews:
		return filepath.Join(cfg.Crew.Dir, filepath.FromSlash(rel))
	}
	return ""
}

func runRestore(cfg *config.Config, input string, overwrite bool) (int, error) {
	// Pre-scan so that nothing is written when a file would be clobbered.
	targets, err := scanArchive(cfg, input)
	if err != nil {
		return 0, fmt.Errorf("scan archive: %w", err)
	}
	if !overwrite {
		for _, t := range targets {
			if _, err := os.Stat(t); err == nil {
				return 0, fmt.Errorf("%s already exists, add --overwrite to replace it", t)
			}
		}
	}

	f, err := os.Open(input)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target := restoreTarget(cfg, hdr.Name)
		if target == "" {
			continue
		}
		if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
			return restored, err
		}
		if target == cfg.Store.Path {
			// A stale WAL would be replayed over the restored database.
			_ = os.Remove(target + "-wal")
			_ = os.Remove(target + "-shm")
		}
		slog.Info("restored file", "path", target)
		restored++
	}
	return restored, nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".restore"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

// scanArchive reads tar headers to collect restore targets without extracting data.
func scanArchive(cfg *config.Config, input string) ([]string, error) {
	f, err := os.Open(input)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var targets []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if t := restoreTarget(cfg, hdr.Name); t != "" {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

// splitArchivePath splits "crews/nightly.yaml" into ("crews", "nightly.yaml").
// Entries outside the known sections or escaping them yield empty strings.
func splitArchivePath(name string) (section, rel string) {
	// Clean leading slashes/dots
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return "", ""
	}
	section, rel = name[:idx], name[idx+1:]
	if section != sectionStore && section != sectionCrews {
		return "", ""
	}
	if rel == "" || !filepath.IsLocal(rel) {
		return "", ""
	}
	return section, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
