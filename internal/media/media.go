// Package media derives page counts and cover thumbnails from downloaded
// book archives.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	// Register decoders for cover pages.
	_ "image/gif"
	_ "image/png"

	"github.com/mholt/archives"
	"github.com/nfnt/resize"
)

const (
	thumbnailWidth  uint = 200
	thumbnailHeight uint = 300
)

// ErrUnsupported is returned for files that are not paged archives.
var ErrUnsupported = errors.New("unsupported media format")

var errStop = errors.New("stop extraction")

var pagedExtensions = map[string]bool{
	".cbz": true, ".zip": true,
	".cbr": true, ".rar": true,
	".cb7": true, ".7z": true,
}

// IsPaged reports whether the file extension names an image archive.
func IsPaged(filename string) bool {
	return pagedExtensions[strings.ToLower(filepath.Ext(filename))]
}

func isImageFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}

	return false
}

// walk opens the archive at p and calls fn for every regular file in it.
// fn may return errStop to end the walk early.
func walk(ctx context.Context, p string, fn func(ctx context.Context, f archives.FileInfo) error) error {
	if !IsPaged(p) {
		return ErrUnsupported
	}

	file, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	format, _, err := archives.Identify(ctx, filepath.Base(p), file)
	if errors.Is(err, archives.NoMatch) {
		return ErrUnsupported
	}

	if err != nil {
		return fmt.Errorf("identify archive: %w", err)
	}

	extractor, ok := format.(archives.Extractor)
	if !ok {
		return ErrUnsupported
	}

	// zip and 7z read through ReaderAt, so hand them the file itself
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive: %w", err)
	}

	err = extractor.Extract(ctx, file, func(ctx context.Context, f archives.FileInfo) error {
		if f.IsDir() {
			return nil
		}

		return fn(ctx, f)
	})
	if errors.Is(err, errStop) || errors.Is(err, fs.SkipAll) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	return nil
}

func imageNames(ctx context.Context, p string) ([]string, error) {
	var names []string

	err := walk(ctx, p, func(_ context.Context, f archives.FileInfo) error {
		if isImageFile(f.NameInArchive) {
			names = append(names, f.NameInArchive)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(names)

	return names, nil
}

// PageCount returns the number of image pages in the archive at p. Files
// that are not paged archives have zero pages.
func PageCount(ctx context.Context, p string) (int, error) {
	names, err := imageNames(ctx, p)
	if errors.Is(err, ErrUnsupported) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return len(names), nil
}

// GenerateThumbnail renders the first page of the archive at src as a JPEG
// thumbnail at dst.
func GenerateThumbnail(ctx context.Context, src, dst string) error {
	names, err := imageNames(ctx, src)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return errors.New("archive has no image pages")
	}

	cover := names[0]

	var img image.Image

	err = walk(ctx, src, func(_ context.Context, f archives.FileInfo) error {
		if f.NameInArchive != cover {
			return nil
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open cover: %w", err)
		}
		defer rc.Close()

		img, _, err = image.Decode(rc)
		if err != nil {
			return fmt.Errorf("decode cover %s: %w", cover, err)
		}

		return errStop
	})
	if err != nil {
		return err
	}

	if img == nil {
		return fmt.Errorf("cover %s not found", cover)
	}

	return writeThumbnail(img, dst)
}

func writeThumbnail(img image.Image, dst string) error {
	var resized image.Image
	if img.Bounds().Dy() > img.Bounds().Dx() {
		resized = resize.Resize(thumbnailWidth, 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, thumbnailHeight, img, resize.Lanczos3)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create thumbnail directory: %w", err)
	}

	tmp := dst + ".part"

	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create thumbnail: %w", err)
	}

	if err := jpeg.Encode(out, resized, &jpeg.Options{Quality: 75}); err != nil {
		out.Close()
		os.Remove(tmp)

		return fmt.Errorf("encode thumbnail: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("close thumbnail: %w", err)
	}

	return os.Rename(tmp, dst)
}
