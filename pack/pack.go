// Package pack turns checkpoint directories into checksummed, transferable
// archives and back. Packaging is deterministic: no timestamps or ownership
// live inside the payload, so the same checkpoint always produces the same
// checksum. Timestamps live only in the sidecar metadata.
package pack

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	godigest "github.com/opencontainers/go-digest"
	"github.com/projecteru2/core/log"

	"github.com/caravanctl/caravan/errdefs"
	"github.com/caravanctl/caravan/types"
	"github.com/caravanctl/caravan/utils"
)

// MetaSuffix is appended to a package path to name its sidecar metadata.
const MetaSuffix = ".meta.json"

// Packager builds and opens checkpoint packages on the local host.
type Packager struct {
	// MaxBytes caps the archive size; zero means unlimited.
	MaxBytes int64
}

// Package archives the checkpoint into outPath and writes the sidecar
// metadata beside it. The archive embeds no timestamps: packaging the same
// checkpoint twice yields the same checksum.
func (p *Packager) Package(ctx context.Context, cp *types.Checkpoint, sourceArch, targetArch, outPath string) (*types.Package, error) {
	logger := log.WithFunc("pack.Package")

	empty, err := utils.DirIsEmpty(cp.DirectoryPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindPackaging, err, "probe checkpoint %s", cp.DirectoryPath)
	}
	if empty {
		return nil, errdefs.New(errdefs.KindPackaging, "checkpoint dir %s is missing or empty", cp.DirectoryPath)
	}

	if err := writeArchive(cp.DirectoryPath, outPath); err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}

	sum, err := ChecksumFile(outPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindPackaging, err, "checksum %s", outPath)
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindPackaging, err, "stat %s", outPath)
	}
	if p.MaxBytes > 0 && info.Size() > p.MaxBytes {
		_ = os.Remove(outPath)
		return nil, errdefs.New(errdefs.KindPackaging, "package %s exceeds size cap (%d > %d bytes)", outPath, info.Size(), p.MaxBytes)
	}

	pkg := &types.Package{
		SourcePath: outPath,
		SizeBytes:  info.Size(),
		Checksum:   sum,
		CreatedAt:  time.Now(),
	}
	meta := &types.PackageMeta{
		ContainerID: cp.ContainerID,
		SourceArch:  sourceArch,
		TargetArch:  targetArch,
		Checksum:    sum,
		SizeBytes:   info.Size(),
		CreatedAt:   pkg.CreatedAt,
		Manifest:    cp.Manifest,
	}
	if err := WriteMeta(outPath, meta); err != nil {
		return nil, err
	}

	logger.Infof(ctx, "packaged %s: %d bytes, %s", cp.DirectoryPath, pkg.SizeBytes, sum)
	return pkg, nil
}

// Unpack extracts a package into destDir, which is always reset to a clean
// state first. The checksum is verified before any extraction, and the
// extracted tree must match the manifest recorded at packaging time.
func (p *Packager) Unpack(ctx context.Context, pkgPath, destDir string) (*types.Checkpoint, error) {
	meta, err := ReadMeta(pkgPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnpack, err, "read package metadata")
	}
	sum, err := ChecksumFile(pkgPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnpack, err, "checksum %s", pkgPath)
	}
	if sum != meta.Checksum {
		return nil, errdefs.New(errdefs.KindUnpack, "package %s checksum %s does not match recorded %s", pkgPath, sum, meta.Checksum)
	}

	if err := utils.ResetDir(destDir); err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnpack, err, "reset %s", destDir)
	}
	if err := extractArchive(pkgPath, destDir); err != nil {
		return nil, err
	}

	manifest, err := utils.DirManifest(destDir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnpack, err, "list %s", destDir)
	}
	if !slices.Equal(manifest, meta.Manifest) {
		return nil, errdefs.New(errdefs.KindUnpack, "unpacked contents of %s do not match the package manifest", pkgPath)
	}
	size, err := utils.DirSize(destDir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnpack, err, "measure %s", destDir)
	}

	log.WithFunc("pack.Unpack").Infof(ctx, "unpacked %s into %s (%d files)", pkgPath, destDir, len(manifest))
	return &types.Checkpoint{
		ContainerID:   meta.ContainerID,
		CreatedAt:     meta.CreatedAt,
		DirectoryPath: destDir,
		SizeBytes:     size,
		Manifest:      manifest,
	}, nil
}

// ChecksumFile returns the canonical digest ("sha256:<hex>") of a file.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck
	d, err := godigest.Canonical.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return d.String(), nil
}

// WriteMeta writes the sidecar metadata for a package.
func WriteMeta(pkgPath string, meta *types.PackageMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "encode package metadata")
	}
	if err := os.WriteFile(pkgPath+MetaSuffix, data, 0o600); err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "write package metadata")
	}
	return nil
}

// ReadMeta reads the sidecar metadata written by Package.
func ReadMeta(pkgPath string) (*types.PackageMeta, error) {
	data, err := os.ReadFile(pkgPath + MetaSuffix) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pkgPath+MetaSuffix, err)
	}
	var meta types.PackageMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", pkgPath+MetaSuffix, err)
	}
	return &meta, nil
}

func writeArchive(dir, outPath string) error {
	names, err := utils.DirManifest(dir)
	if err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "list checkpoint %s", dir)
	}

	out, err := os.Create(outPath) //nolint:gosec
	if err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "create %s", outPath)
	}
	defer out.Close() //nolint:errcheck

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range names {
		if err := addFile(tw, dir, name); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "finalize archive")
	}
	if err := gz.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "finalize compression")
	}
	if err := out.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "close %s", outPath)
	}
	return nil
}

func addFile(tw *tar.Writer, dir, name string) error {
	path := filepath.Join(dir, filepath.FromSlash(name))
	info, err := os.Stat(path)
	if err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "stat %s", path)
	}
	// Fixed header fields keep the payload byte-identical across runs.
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    info.Size(),
		ModTime: time.Unix(0, 0),
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "write header %s", name)
	}
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "open %s", path)
	}
	_, err = io.Copy(tw, f)
	_ = f.Close()
	if err != nil {
		return errdefs.Wrap(errdefs.KindPackaging, err, "archive %s", name)
	}
	return nil
}

func extractArchive(pkgPath, destDir string) error {
	f, err := os.Open(pkgPath) //nolint:gosec
	if err != nil {
		return errdefs.Wrap(errdefs.KindUnpack, err, "open %s", pkgPath)
	}
	defer f.Close() //nolint:errcheck

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errdefs.Wrap(errdefs.KindUnpack, err, "decompress %s", pkgPath)
	}
	defer gz.Close() //nolint:errcheck

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errdefs.Wrap(errdefs.KindUnpack, err, "read archive %s", pkgPath)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.FromSlash(hdr.Name)
		// Reject entries that would escape destDir.
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return errdefs.New(errdefs.KindUnpack, "archive entry %q escapes the destination", hdr.Name)
		}
		target := filepath.Join(destDir, name)
		if err := utils.EnsureDir(filepath.Dir(target)); err != nil {
			return errdefs.Wrap(errdefs.KindUnpack, err, "create %s", filepath.Dir(target))
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec
		if err != nil {
			return errdefs.Wrap(errdefs.KindUnpack, err, "create %s", target)
		}
		_, err = io.Copy(out, tr) //nolint:gosec // size bounded by archive
		cerr := out.Close()
		if err != nil {
			return errdefs.Wrap(errdefs.KindUnpack, err, "extract %s", hdr.Name)
		}
		if cerr != nil {
			return errdefs.Wrap(errdefs.KindUnpack, cerr, "close %s", target)
		}
	}
}
