// Package registry implements the transport over an OCI registry: the
// package archive travels as the single layer of an image. Useful when the
// two hosts have no direct channel: the source pushes, the target pulls.
package registry

import (
	"context"
	"io"
	"os"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	godigest "github.com/opencontainers/go-digest"
	"github.com/projecteru2/core/log"

	"github.com/caravanctl/caravan/errdefs"
	"github.com/caravanctl/caravan/remote"
	"github.com/caravanctl/caravan/transport"
)

// Registry ships packages as single-layer images under one repository.
// Tags are derived from the remote path, so concurrent migrations do not
// collide.
type Registry struct {
	repo          string
	caravanBinary string // used on the target to pull the package down
}

var _ transport.Transport = (*Registry)(nil)

// New creates a registry transport pushing under repo.
func New(repo string) *Registry {
	return &Registry{repo: repo, caravanBinary: "caravan"}
}

func (r *Registry) Kind() string { return "registry" }

// Ref returns the image reference a remote path maps to.
func (r *Registry) Ref(remotePath string) string {
	tag := "pkg-" + godigest.FromString(remotePath).Encoded()[:16]
	return r.repo + ":" + tag
}

func (r *Registry) Send(ctx context.Context, localPath, _, remotePath string) error {
	ref := r.Ref(remotePath)

	layer, err := tarball.LayerFromFile(localPath)
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransfer, err, "layer from %s", localPath)
	}
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransfer, err, "assemble package image")
	}

	log.WithFunc("registry.Send").Infof(ctx, "pushing %s as %s", localPath, ref)
	if err := crane.Push(img, ref, craneOptions(ctx)...); err != nil {
		return errdefs.NewTransfer(errdefs.ReasonConnectionLost, err, "push %s", ref)
	}
	return nil
}

func (r *Registry) Recv(ctx context.Context, _, remotePath, localPath string) error {
	return Fetch(ctx, r.Ref(remotePath), localPath)
}

// Fetch pulls the package image at ref and writes its single layer to
// localPath. The `caravan receive` command uses it on the target host.
func Fetch(ctx context.Context, ref, localPath string) error {
	layer, err := refLayer(ctx, ref)
	if err != nil {
		return err
	}
	rc, err := layer.Compressed()
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransfer, err, "open layer of %s", ref)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(localPath) //nolint:gosec
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransfer, err, "create %s", localPath)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		_ = os.Remove(localPath)
		return errdefs.NewTransfer(errdefs.ReasonConnectionLost, err, "pull %s", ref)
	}
	if err := out.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindTransfer, err, "close %s", localPath)
	}
	return nil
}

// Checksum returns the layer digest the registry recorded, which is the
// digest of the package bytes as uploaded.
func (r *Registry) Checksum(ctx context.Context, _, remotePath string) (string, error) {
	layer, err := r.packageLayer(ctx, remotePath)
	if err != nil {
		return "", err
	}
	d, err := layer.Digest()
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindTransfer, err, "digest of %s", r.Ref(remotePath))
	}
	return d.String(), nil
}

func (r *Registry) Remove(ctx context.Context, _, remotePath string) error {
	ref := r.Ref(remotePath)
	if err := crane.Delete(ref, craneOptions(ctx)...); err != nil {
		// Many registries refuse tag deletion; the package is content
		// addressed and harmless, so report and continue.
		log.WithFunc("registry.Remove").Warnf(ctx, "delete %s: %v", ref, err)
	}
	return nil
}

// Materialize pulls the package down on the target host by invoking the
// caravan binary installed there.
func (r *Registry) Materialize(ctx context.Context, runner remote.Runner, remotePath string) error {
	out, err := runner.Run(ctx, r.caravanBinary, "receive", r.Ref(remotePath), remotePath)
	if err != nil {
		if remote.IsConnectionError(err) {
			return errdefs.NewTransfer(errdefs.ReasonConnectionLost, err, "receive %s on %s", r.Ref(remotePath), runner.Host())
		}
		return errdefs.Wrap(errdefs.KindTransfer, err, "receive %s on %s: %s", r.Ref(remotePath), runner.Host(), out.Text())
	}
	return nil
}

func (r *Registry) packageLayer(ctx context.Context, remotePath string) (v1.Layer, error) {
	return refLayer(ctx, r.Ref(remotePath))
}

func refLayer(ctx context.Context, ref string) (v1.Layer, error) {
	img, err := crane.Pull(ref, craneOptions(ctx)...)
	if err != nil {
		return nil, errdefs.NewTransfer(errdefs.ReasonConnectionLost, err, "pull %s", ref)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransfer, err, "layers of %s", ref)
	}
	if len(layers) != 1 {
		return nil, errdefs.New(errdefs.KindTransfer, "image %s has %d layers, expected exactly one", ref, len(layers))
	}
	return layers[0], nil
}

func craneOptions(ctx context.Context) []crane.Option {
	return []crane.Option{
		crane.WithContext(ctx),
		crane.WithAuthFromKeychain(authn.DefaultKeychain),
	}
}
