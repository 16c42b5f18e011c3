package deploy

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/homeroute/homeroute/internal/apierr"
)

// tarGzDir renders distDir as a gzip-compressed tar stream for the
// push-to-prod asset upload.
func tarGzDir(distDir string) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	err := filepath.WalkDir(distDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(distDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
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
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, apierr.IO(err, "build asset tarball from %s", distDir)
	}
	if err := tw.Close(); err != nil {
		return nil, apierr.IO(err, "close asset tarball")
	}
	if err := gw.Close(); err != nil {
		return nil, apierr.IO(err, "close asset tarball gzip stream")
	}
	return buf.Bytes(), nil
}
