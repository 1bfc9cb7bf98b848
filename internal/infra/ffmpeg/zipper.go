package ffmpeg

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type ZipCreator struct{}

func NewZipCreator() *ZipCreator {
	return &ZipCreator{}
}

// CreateZip stores every regular file under sourceDir, keeping the category
// sub-directories as archive paths.
func (z *ZipCreator) CreateZip(ctx context.Context, sourceDir string, outputPath string) (int, error) {
	zipFile, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create zip file: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)

	count := 0
	err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if err := addFileToZip(zipWriter, path, filepath.ToSlash(rel)); err != nil {
			return fmt.Errorf("add %s to zip: %w", rel, err)
		}
		count++
		return nil
	})
	if err != nil {
		zipWriter.Close()
		return 0, err
	}

	if err := zipWriter.Close(); err != nil {
		return 0, fmt.Errorf("finalize zip: %w", err)
	}
	return count, nil
}

func addFileToZip(zw *zip.Writer, filename, name string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = name
	// JPEGs are already compressed
	header.Method = zip.Store

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(writer, file)
	return err
}
