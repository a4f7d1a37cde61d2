package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alecthomas/errors"
)

// FileName returns the on-disk name of slice number n.
func FileName(n int) string {
	return fmt.Sprintf("HitSpool-%d.dat", n)
}

// LinkOrCopy hard-links src into dstDir under its original base name,
// falling back to a full copy if src and dstDir are on different
// filesystems (cross-device hard links are impossible). Hard-linking is
// required so the live spool is never blocked while a request runs — the
// rolling writer can overwrite a slice's original directory entry without
// disturbing the request's linked copy, since unlinking the original only
// drops one of the name's references.
func LinkOrCopy(src, dstDir string) (dst string, err error) {
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return "", errors.Wrap(err, "create staging directory")
	}
	dst = filepath.Join(dstDir, filepath.Base(src))

	if err := os.Link(src, dst); err == nil {
		return dst, nil
	} else if !errors.Is(err, os.ErrExist) {
		// os.Link on a cross-device pair returns a LinkError wrapping
		// syscall.EXDEV; any other failure falls back to copy too, since the
		// live spool must never be blocked by a failed request.
		if copyErr := copyFile(src, dst); copyErr != nil {
			return "", errors.Join(errors.Wrap(err, "hard link failed"), copyErr)
		}
		return dst, nil
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open source file")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Join(errors.Wrap(err, "create destination file"), in.Close())
	}

	if _, err := io.Copy(out, in); err != nil {
		return errors.Join(errors.Wrap(err, "copy file contents"), out.Close())
	}
	return errors.WithStack(out.Close())
}
