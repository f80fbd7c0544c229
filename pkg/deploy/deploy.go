// Package deploy pushes packaged models to deployment targets and keeps their
// release history.
package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"k8s.io/apimachinery/pkg/util/wait"
	"kubegems.io/deployx/pkg/client"
	"kubegems.io/deployx/pkg/client/progress"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/packager"
	"kubegems.io/deployx/pkg/registry"
	"kubegems.io/deployx/pkg/types"
)

const (
	DefaultVerifyTimeout  = 30 * time.Second
	DefaultVerifyInterval = 500 * time.Millisecond

	AnnotationReleaseFrom = "deployx.release.from"

	// maxVersionAttempts bounds retries when concurrent deploys pick the same version.
	maxVersionAttempts = 5

	barWidth = 40
)

var (
	repositoryRegexp = regexp.MustCompile(`^` + registry.NameRegexp + `$`)
	versionRegexp    = regexp.MustCompile(`^` + registry.ReferenceRegexp + `$`)
)

type Deployer struct {
	Target Target
	// Out receives progress bars, nil discards them.
	Out            io.Writer
	Concurrency    int
	VerifyTimeout  time.Duration
	VerifyInterval time.Duration
}

func NewDeployer(target Target, out io.Writer) *Deployer {
	return &Deployer{
		Target:         target,
		Out:            out,
		Concurrency:    progress.DefaultConcurrency,
		VerifyTimeout:  DefaultVerifyTimeout,
		VerifyInterval: DefaultVerifyInterval,
	}
}

type DeployOptions struct {
	// Name is the repository, defaults to the package name.
	Name string
	// Version is explicit, else the package version, else the next v<N>.
	Version     string
	Force       bool
	NoVerify    bool
	Annotations map[string]string
}

type Result struct {
	Repository string              `json:"repository"`
	Version    string              `json:"version"`
	Digest     digest.Digest       `json:"digest"`
	Revision   int                 `json:"revision"`
	Action     types.ReleaseAction `json:"action"`
	// Skipped reports that nothing changed on the target.
	Skipped bool `json:"skipped,omitempty"`
	// Previous is the version that was current before.
	Previous string `json:"previous,omitempty"`
}

// Deploy pushes package p and records a deploy release.
func (d *Deployer) Deploy(ctx context.Context, p *packager.Package, opts DeployOptions) (*Result, error) {
	if err := packager.Verify(ctx, p); err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = p.Name()
	}
	repository, err := ValidateRepository(name)
	if err != nil {
		return nil, err
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("repository", repository, "target", d.Target.Location())

	manifestDigest, err := p.Digest()
	if err != nil {
		return nil, err
	}
	version := opts.Version
	if version == "" {
		version = p.Version()
	}
	if version != "" && !versionRegexp.MatchString(version) {
		return nil, errors.NewParameterInvalidError(fmt.Sprintf("invalid version %q", version))
	}

	result := &Result{
		Repository: repository,
		Digest:     manifestDigest,
		Action:     types.ReleaseActionDeploy,
	}
	var (
		plan   deployPlan
		pushed bool
		taken  []string
	)
	for attempt := 1; ; attempt++ {
		if plan, err = d.plan(ctx, repository, version, manifestDigest, opts.Force, taken); err != nil {
			return nil, err
		}
		result.Version, result.Previous = plan.version, plan.history.Current
		if plan.skipped {
			log.Info("up to date", "version", plan.version, "digest", manifestDigest.String())
			result.Revision, result.Skipped = plan.revision, true
			return result, nil
		}
		if plan.exists {
			log.Info("manifest already present", "version", plan.version, "digest", manifestDigest.String())
			break
		}
		if !pushed {
			if err := d.pushBlobs(ctx, p, repository); err != nil {
				return nil, err
			}
			pushed = true
		}
		put := d.Target.CreateManifest
		if opts.Force && version != "" {
			put = d.Target.PutManifest
		}
		if err = put(ctx, repository, plan.version, p.Manifest); err == nil {
			log.Info("manifest pushed", "version", plan.version, "digest", manifestDigest.String())
			break
		}
		if version != "" || attempt >= maxVersionAttempts || !errors.IsErrCode(err, errors.ErrCodeVersionExists) {
			return nil, fmt.Errorf("put manifest %s@%s: %w", repository, plan.version, err)
		}
		// another deploy took this version since the index was read
		log.Info("version taken, retrying", "version", plan.version)
		taken = append(taken, plan.version)
	}
	version = plan.version
	log = log.WithValues("version", version)

	release, err := d.Target.Release(ctx, repository, types.ReleaseRequest{
		Version:     version,
		Action:      types.ReleaseActionDeploy,
		Annotations: releaseAnnotations(opts.Annotations, plan.history.Current),
	})
	if err != nil {
		return nil, fmt.Errorf("release %s@%s: %w", repository, version, err)
	}
	result.Revision = release.Revision
	log.Info("released", "revision", release.Revision)

	if !opts.NoVerify {
		if err := d.verify(ctx, repository, version, release.Revision, manifestDigest); err != nil {
			return result, err
		}
	}
	return result, nil
}

type deployPlan struct {
	version  string
	exists   bool // the manifest is stored under version already
	skipped  bool
	revision int
	history  types.ReleaseHistory
}

// plan picks the version a deploy of manifestDigest goes to. An empty version
// is chosen automatically, versions in taken count as used.
func (d *Deployer) plan(ctx context.Context, repository, version string, manifestDigest digest.Digest, force bool, taken []string) (deployPlan, error) {
	index, err := d.getIndex(ctx, repository)
	if err != nil {
		return deployPlan{}, err
	}
	history, err := d.Target.GetReleases(ctx, repository)
	if err != nil {
		return deployPlan{}, err
	}
	latest, hasLatest := history.Latest()
	plan := deployPlan{version: version, history: history}

	if version == "" {
		if hasLatest && latest.Digest == manifestDigest && !force {
			plan.version, plan.revision, plan.skipped = latest.Version, latest.Revision, true
			return plan, nil
		}
		// same content deployed before under another version
		for _, desc := range index.Manifests {
			if desc.Digest == manifestDigest {
				plan.version, plan.exists = desc.Name, true
				return plan, nil
			}
		}
		for _, name := range taken {
			if _, ok := index.Lookup(name); !ok {
				index.Manifests = append(index.Manifests, types.Descriptor{Name: name})
			}
		}
		plan.version = types.NextVersion(index)
		return plan, nil
	}

	if desc, ok := index.Lookup(version); ok {
		if desc.Digest != manifestDigest && !force {
			return deployPlan{}, errors.NewVersionExistsError(repository, version)
		}
		plan.exists = desc.Digest == manifestDigest
	}
	if plan.exists && hasLatest && latest.Version == version && latest.Digest == manifestDigest && !force {
		plan.revision, plan.skipped = latest.Revision, true
	}
	return plan, nil
}

func (d *Deployer) pushBlobs(ctx context.Context, p *packager.Package, repository string) error {
	mb := progress.NewMultiBar(d.Out, barWidth, d.Concurrency)
	runctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mb.Run(runctx)

	for _, desc := range p.Manifest.AllBlobs() {
		desc := desc
		mb.Go(desc.Name, "pending", func(b *progress.Bar) error {
			return d.pushBlob(ctx, p, repository, desc, b)
		})
	}
	return mb.Wait()
}

func (d *Deployer) pushBlob(ctx context.Context, p *packager.Package, repository string, desc types.Descriptor, b *progress.Bar) error {
	if desc.Digest == types.EmptyFileDigest {
		b.SetDone("empty")
		return nil
	}
	exists, err := d.Target.ExistsBlob(ctx, repository, desc.Digest)
	if err != nil {
		return err
	}
	if exists {
		b.SetProgress(desc.Size, desc.Size)
		b.SetDone("already exists")
		return nil
	}
	f, err := p.Open(desc.Digest)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := d.Target.PutBlob(ctx, repository, desc, b.WrapReader(f, desc.Size, "pushing", "pushed")); err != nil {
		return err
	}
	b.SetProgress(desc.Size, desc.Size)
	b.SetDone("pushed")
	return nil
}

// verify polls the target until version is readable with digest and is the
// current release.
func (d *Deployer) verify(ctx context.Context, repository, version string, revision int, expect digest.Digest) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("repository", repository, "version", version)
	timeout, interval := d.VerifyTimeout, d.VerifyInterval
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}
	var last error
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		manifest, err := d.Target.GetManifest(ctx, repository, version)
		if err != nil {
			if errors.IsErrCode(err, errors.ErrCodeManifestUnknown) {
				last = err
				return false, nil
			}
			return false, err
		}
		got, err := manifest.Digest()
		if err != nil {
			return false, err
		}
		if got != expect {
			last = errors.NewDigestInvalidError(fmt.Sprintf("%s@%s: got %s, expected %s", repository, version, got, expect))
			return false, nil
		}
		history, err := d.Target.GetReleases(ctx, repository)
		if err != nil {
			return false, err
		}
		for _, release := range history.Releases {
			if release.Revision == revision && release.Version == version {
				return true, nil
			}
		}
		last = fmt.Errorf("revision %d of %s is not recorded", revision, repository)
		return false, nil
	})
	if err != nil {
		if last != nil {
			return fmt.Errorf("verify %s@%s: %w", repository, version, last)
		}
		return fmt.Errorf("verify %s@%s: %w", repository, version, err)
	}
	log.V(1).Info("verified")
	return nil
}

// Rollback releases version to again, or the previous release when to is empty.
func (d *Deployer) Rollback(ctx context.Context, repository string, to string) (*Result, error) {
	repository, err := ValidateRepository(repository)
	if err != nil {
		return nil, err
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("repository", repository, "target", d.Target.Location())

	history, err := d.Target.GetReleases(ctx, repository)
	if err != nil {
		return nil, err
	}
	if len(history.Releases) == 0 {
		return nil, errors.NewRollbackUnavailableError(repository)
	}
	index, err := d.getIndex(ctx, repository)
	if err != nil {
		return nil, err
	}

	if to == "" {
		// versions deleted from the target can not be released again
		previous, ok := history.Previous(func(version string) bool {
			_, exists := index.Lookup(version)
			return !exists
		})
		if !ok {
			return nil, errors.NewRollbackUnavailableError(repository)
		}
		to = previous.Version
	}
	desc, ok := index.Lookup(to)
	if !ok {
		return nil, errors.NewManifestUnknownError(repository + "@" + to)
	}

	result := &Result{
		Repository: repository,
		Version:    to,
		Digest:     desc.Digest,
		Action:     types.ReleaseActionRollback,
		Previous:   history.Current,
	}
	if to == history.Current {
		latest, _ := history.Latest()
		result.Revision, result.Skipped = latest.Revision, true
		log.Info("already current", "version", to)
		return result, nil
	}

	release, err := d.Target.Release(ctx, repository, types.ReleaseRequest{
		Version:     to,
		Action:      types.ReleaseActionRollback,
		Annotations: releaseAnnotations(nil, history.Current),
	})
	if err != nil {
		return nil, fmt.Errorf("rollback %s to %s: %w", repository, to, err)
	}
	result.Revision, result.Digest = release.Revision, release.Digest
	log.Info("rolled back", "from", history.Current, "version", to, "revision", release.Revision)
	return result, nil
}

// History returns the release history of repository.
func (d *Deployer) History(ctx context.Context, repository string) (types.ReleaseHistory, error) {
	repository, err := ValidateRepository(repository)
	if err != nil {
		return types.ReleaseHistory{}, err
	}
	return d.Target.GetReleases(ctx, repository)
}

// Status returns the current release of repository.
func (d *Deployer) Status(ctx context.Context, repository string) (types.Release, error) {
	history, err := d.History(ctx, repository)
	if err != nil {
		return types.Release{}, err
	}
	latest, ok := history.Latest()
	if !ok {
		return types.Release{}, errors.NewReleaseUnknownError(client.NormalizeRepository(repository))
	}
	return latest, nil
}

// List returns the versions of repository, or all repositories when it is empty.
func (d *Deployer) List(ctx context.Context, repository string, search string) (types.Index, error) {
	if repository == "" {
		return d.Target.GetGlobalIndex(ctx, search)
	}
	repository, err := ValidateRepository(repository)
	if err != nil {
		return types.Index{}, err
	}
	return d.Target.GetIndex(ctx, repository, search)
}

// Info returns the manifest of repository@version, version defaults to the current release.
func (d *Deployer) Info(ctx context.Context, repository string, version string) (string, *types.Manifest, error) {
	repository, err := ValidateRepository(repository)
	if err != nil {
		return "", nil, err
	}
	if version == "" {
		current, err := d.Status(ctx, repository)
		if err != nil {
			return "", nil, err
		}
		version = current.Version
	}
	manifest, err := d.Target.GetManifest(ctx, repository, version)
	if err != nil {
		return "", nil, err
	}
	return version, manifest, nil
}

func (d *Deployer) getIndex(ctx context.Context, repository string) (types.Index, error) {
	index, err := d.Target.GetIndex(ctx, repository, "")
	if err != nil {
		if errors.IsErrCode(err, errors.ErrCodeIndexUnknown) {
			return types.Index{}, nil
		}
		return types.Index{}, err
	}
	return index, nil
}

// ValidateRepository normalizes name into <project>/<name> and checks it.
func ValidateRepository(name string) (string, error) {
	repository := client.NormalizeRepository(name)
	if !repositoryRegexp.MatchString(repository) {
		return "", errors.NewNameInvalidError(name)
	}
	return repository, nil
}

func releaseAnnotations(extra map[string]string, from string) map[string]string {
	annotations := map[string]string{
		types.AnnotationReleaseID: uuid.NewString(),
	}
	if user := os.Getenv("USER"); user != "" {
		annotations[types.AnnotationReleaseUser] = user
	}
	if from != "" {
		annotations[AnnotationReleaseFrom] = from
	}
	for k, v := range extra {
		annotations[k] = v
	}
	return annotations
}
