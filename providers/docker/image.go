package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/picklr-io/deckhand/internal/logging"
)

// ImageConfig is the input shape of docker:Image.
type ImageConfig struct {
	// ImageName is the repository to push to, optionally with a tag
	// ("user/app", "user/app:v1"). The tag defaults to "latest".
	ImageName string          `json:"imageName"`
	Build     BuildConfig     `json:"build"`
	Registry  *RegistryConfig `json:"registry"`
	SkipPush  bool            `json:"skipPush"`
}

// BuildConfig accepts either a context path or an object.
type BuildConfig struct {
	Context    string            `json:"context"`
	Dockerfile string            `json:"dockerfile"`
	Args       map[string]string `json:"args"`
	Target     string            `json:"target"`
	Platform   string            `json:"platform"`
}

func (b *BuildConfig) UnmarshalJSON(data []byte) error {
	var dir string
	if err := json.Unmarshal(data, &dir); err == nil {
		*b = BuildConfig{Context: dir}
		return nil
	}
	type plain BuildConfig
	return json.Unmarshal(data, (*plain)(b))
}

type RegistryConfig struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ImageState is recorded as the outputs of docker:Image.
type ImageState struct {
	// ImageName is the tagged reference that was built and pushed.
	ImageName      string `json:"imageName"`
	BaseImageName  string `json:"baseImageName"`
	ID             string `json:"id"`
	RepoDigest     string `json:"repoDigest,omitempty"`
	RegistryServer string `json:"registryServer"`
}

func (p *Provider) applyImage(ctx context.Context, cli dockerAPI, name string, desired *ImageConfig) (*ImageState, error) {
	if desired.ImageName == "" {
		return nil, fmt.Errorf("image %s: imageName is required", name)
	}
	named, err := reference.ParseNormalizedNamed(desired.ImageName)
	if err != nil {
		return nil, fmt.Errorf("invalid imageName %q: %w", desired.ImageName, err)
	}
	if _, ok := named.(reference.Digested); ok {
		return nil, fmt.Errorf("imageName %q must not contain a digest", desired.ImageName)
	}
	ref := reference.FamiliarString(reference.TagNameOnly(named))

	server := reference.Domain(named)
	if desired.Registry != nil && desired.Registry.Server != "" {
		server = desired.Registry.Server
	}
	auth, err := p.registryAuth(ctx, server, desired.Registry)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx).With("image", ref)
	log.Info("Building image", "context", desired.Build.Context)
	id, err := buildImage(ctx, cli, ref, &desired.Build, auth)
	if err != nil {
		return nil, err
	}

	st := &ImageState{
		ImageName:      ref,
		BaseImageName:  desired.ImageName,
		ID:             id,
		RegistryServer: server,
	}
	if desired.SkipPush {
		return st, nil
	}

	log.Info("Pushing image", "registry", server)
	digest, err := pushImage(ctx, cli, ref, auth)
	if err != nil {
		return nil, err
	}
	st.RepoDigest = reference.FamiliarName(named) + "@" + digest
	return st, nil
}

func buildImage(ctx context.Context, cli dockerAPI, ref string, cfg *BuildConfig, auth *registry.AuthConfig) (string, error) {
	dir := cfg.Context
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve build context: %w", err)
	}
	excludes, err := dockerignore(dir)
	if err != nil {
		return "", err
	}

	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return "", fmt.Errorf("failed to create build context tar: %w", err)
	}
	defer tar.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  cfg.Dockerfile,
		Target:      cfg.Target,
		Platform:    cfg.Platform,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	}
	if len(cfg.Args) > 0 {
		opts.BuildArgs = make(map[string]*string, len(cfg.Args))
		for k, v := range cfg.Args {
			opts.BuildArgs[k] = &v
		}
	}
	if auth != nil {
		opts.AuthConfigs = map[string]registry.AuthConfig{auth.ServerAddress: *auth}
	}

	resp, err := cli.ImageBuild(ctx, tar, opts)
	if err != nil {
		return "", fmt.Errorf("failed to build image %s: %w", ref, err)
	}
	defer resp.Body.Close()

	var id string
	err = stream(ctx, resp.Body, func(aux *json.RawMessage) {
		var result types.BuildResult
		if json.Unmarshal(*aux, &result) == nil && result.ID != "" {
			id = result.ID
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to build image %s: %w", ref, err)
	}

	if id == "" {
		inspect, _, err := cli.ImageInspectWithRaw(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("failed to inspect built image %s: %w", ref, err)
		}
		id = inspect.ID
	}
	return id, nil
}

func pushImage(ctx context.Context, cli dockerAPI, ref string, auth *registry.AuthConfig) (string, error) {
	if auth == nil {
		auth = &registry.AuthConfig{}
	}
	encoded, err := registry.EncodeAuthConfig(*auth)
	if err != nil {
		return "", fmt.Errorf("failed to encode registry credentials: %w", err)
	}

	body, err := cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return "", fmt.Errorf("failed to push image %s: %w", ref, err)
	}
	defer body.Close()

	var digest string
	err = stream(ctx, body, func(aux *json.RawMessage) {
		var result types.PushResult
		if json.Unmarshal(*aux, &result) == nil && result.Digest != "" {
			digest = result.Digest
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to push image %s: %w", ref, err)
	}
	if digest == "" {
		return "", fmt.Errorf("push of %s reported no digest", ref)
	}
	return digest, nil
}

func removeImage(ctx context.Context, cli dockerAPI, st *ImageState) error {
	target := st.ID
	if target == "" {
		target = st.ImageName
	}
	if target == "" {
		return nil
	}
	_, err := cli.ImageRemove(ctx, target, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove image %s: %w", target, err)
	}
	return nil
}

// dockerignore reads the exclude patterns of a build context.
func dockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read .dockerignore: %w", err)
	}
	return patterns, nil
}
