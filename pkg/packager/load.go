package packager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/types"
)

// Load reads the manifest of the package at dir.
func Load(dir string) (*Package, error) {
	content, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewPackageInvalidError(dir, fmt.Errorf("no %s found, run deployx package first", ManifestFileName))
		}
		return nil, err
	}
	manifest := types.Manifest{}
	if err := json.Unmarshal(content, &manifest); err != nil {
		return nil, errors.NewPackageInvalidError(dir, err)
	}
	if manifest.MediaType != types.MediaTypeModelManifestJson {
		return nil, errors.NewPackageInvalidError(dir, fmt.Errorf("unexpected media type %q", manifest.MediaType))
	}
	if manifest.SchemaVersion != types.SchemaVersion {
		return nil, errors.NewPackageInvalidError(dir, fmt.Errorf("unsupported schema version %d", manifest.SchemaVersion))
	}
	if manifest.Config.Digest == "" {
		return nil, errors.NewPackageInvalidError(dir, fmt.Errorf("manifest has no config"))
	}
	return &Package{Dir: dir, Manifest: manifest}, nil
}

// Verify rehashes every blob of p against the manifest.
func Verify(ctx context.Context, p *Package) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(PackConcurrency)
	for _, blob := range p.Manifest.AllBlobs() {
		blob := blob
		eg.Go(func() error {
			return verifyBlob(ctx, p, blob)
		})
	}
	return eg.Wait()
}

func verifyBlob(ctx context.Context, p *Package, desc types.Descriptor) error {
	if err := desc.Digest.Validate(); err != nil {
		return errors.NewDigestInvalidError(desc.Digest.String())
	}
	f, err := p.Open(desc.Digest)
	if err != nil {
		return err
	}
	defer f.Close()

	verifier := desc.Digest.Verifier()
	n, err := io.Copy(verifier, contextReader{ctx: ctx, r: f})
	if err != nil {
		return err
	}
	if n != desc.Size || !verifier.Verified() {
		return errors.NewDigestInvalidError(fmt.Sprintf("%s (%s): content does not match", desc.Name, desc.Digest))
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
