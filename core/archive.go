package core

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const maxUnfoldTotalSize = 30 * 1024 * 1024 // 30MiB uncompressed

// UnfoldZip validates zipPath and expands it into destDir as a flat source tree.
//
// Accepted shapes are a flat archive or a single top-level folder (which is
// flattened up one level). Anything else is rejected: the judging protocol
// assumes a flat tree, and nested ZIPs would require recursive trust decisions.
// On rejection the returned error carries the user-facing reason; the caller
// removes destDir.
func UnfoldZip(zipPath, destDir string) error {
	if !strings.HasSuffix(strings.ToLower(zipPath), ".zip") {
		return errors.New("zip形式のファイルではありません")
	}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("zipファイルを開けません: %w", err)
	}
	defer reader.Close()

	var total uint64
	for _, f := range reader.File {
		total += f.UncompressedSize64
	}
	if total > maxUnfoldTotalSize {
		return errors.New("展開後のサイズが大きすぎます (30MiB 上限)")
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("展開先を作成できません: %w", err)
	}

	for _, f := range reader.File {
		norm := normalizeArchivePath(f.Name)
		if norm == "" || norm == "." {
			continue
		}
		if strings.HasPrefix(norm, "/") || strings.HasPrefix(norm, "../") || strings.Contains(norm, "/../") {
			return errors.New("不正なパスが含まれています")
		}
		target := filepath.Join(destDir, filepath.FromSlash(norm))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%s を作成できません: %w", norm, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("%s を作成できません: %w", norm, err)
		}
		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		return fmt.Errorf("展開結果を読めません: %w", err)
	}
	if len(entries) == 0 {
		return errors.New("zipファイルが空です")
	}

	// A single top-level folder is flattened up one level.
	if len(entries) == 1 && entries[0].IsDir() {
		if err := flattenSingleDir(destDir, entries[0].Name()); err != nil {
			return fmt.Errorf("フォルダの展開に失敗しました: %w", err)
		}
		entries, err = os.ReadDir(destDir)
		if err != nil {
			return fmt.Errorf("展開結果を読めません: %w", err)
		}
		if len(entries) == 0 {
			return errors.New("zipファイルが空です")
		}
	}

	for _, e := range entries {
		if e.IsDir() {
			return errors.New("zipファイル内にサブディレクトリが含まれています")
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".zip") {
			return errors.New("zipファイル内にzipファイルが含まれています")
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%s を開けません: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%s を書き込めません: %w", f.Name, err)
	}
	defer out.Close()

	// LimitReader guards against header/content size mismatch.
	if _, err := io.Copy(out, io.LimitReader(rc, maxUnfoldTotalSize+1)); err != nil {
		return fmt.Errorf("%s の読み込みに失敗しました: %w", f.Name, err)
	}
	return nil
}

// flattenSingleDir moves the contents of destDir/shell up into destDir and
// removes the empty shell directory.
func flattenSingleDir(destDir, shell string) error {
	shellDir := filepath.Join(destDir, shell)
	children, err := os.ReadDir(shellDir)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := os.Rename(filepath.Join(shellDir, c.Name()), filepath.Join(destDir, c.Name())); err != nil {
			return err
		}
	}
	return os.Remove(shellDir)
}

func normalizeArchivePath(p string) string {
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "./")
	return cleaned
}

// extractZipTo expands an archive without the flat-tree validation. The batch
// orchestrator uses it for the outer grader ZIP, whose layout is checked
// separately.
func extractZipTo(zipPath, destDir string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("zipファイルを開けません: %w", err)
	}
	defer reader.Close()

	for _, f := range reader.File {
		norm := normalizeArchivePath(f.Name)
		if norm == "" || norm == "." {
			continue
		}
		if strings.HasPrefix(norm, "/") || strings.HasPrefix(norm, "../") || strings.Contains(norm, "/../") {
			return errors.New("不正なパスが含まれています")
		}
		target := filepath.Join(destDir, filepath.FromSlash(norm))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}
