package stitcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ArchiveFile moves a consumed input file into archiveDir/<YYYYMMDD>/. A name already taken
// in the target gets a nanosecond suffix.
func ArchiveFile(srcPath string, archiveDir string, now time.Time) (string, error) {
	if strings.TrimSpace(archiveDir) == "" {
		return "", fmt.Errorf("archive dir is empty")
	}
	dstDir := filepath.Join(archiveDir, now.Format("20060102"))
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(srcPath)
	dstPath := filepath.Join(dstDir, base)
	if _, err := os.Stat(dstPath); err == nil {
		ext := filepath.Ext(base)
		dstPath = filepath.Join(dstDir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), now.UnixNano(), ext))
	}

	if err := os.Rename(srcPath, dstPath); err == nil {
		return dstPath, nil
	}
	// Rename fails across devices; fall back to copy + remove.
	if err := copyFile(srcPath, dstPath); err != nil {
		return "", err
	}
	if err := os.Remove(srcPath); err != nil {
		return "", err
	}
	return dstPath, nil
}

func copyFile(srcPath, dstPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dstPath)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(dstPath)
		return closeErr
	}
	return nil
}
