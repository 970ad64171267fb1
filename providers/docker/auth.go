package docker

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/docker/docker/api/types/registry"
)

// dockerHubServer is the address the daemon expects for Docker Hub
// credentials.
const dockerHubServer = "https://index.docker.io/v1/"

var ecrHost = regexp.MustCompile(`^\d{12}\.dkr\.ecr(?:-fips)?\.([a-z0-9-]+)\.amazonaws\.com(?:\.cn)?$`)

type ecrAPI interface {
	GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

func newECRClient(ctx context.Context, region string) (ecrAPI, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return ecr.NewFromConfig(cfg), nil
}

// registryAuth returns credentials for server. Explicit credentials win; an
// ECR host without them gets a token from the ECR API. Otherwise nil is
// returned and the daemon's own credentials apply.
func (p *Provider) registryAuth(ctx context.Context, server string, reg *RegistryConfig) (*registry.AuthConfig, error) {
	if reg != nil && reg.Username != "" {
		addr := server
		if addr == "docker.io" || addr == "index.docker.io" {
			addr = dockerHubServer
		}
		return &registry.AuthConfig{
			Username:      reg.Username,
			Password:      reg.Password,
			ServerAddress: addr,
		}, nil
	}
	if m := ecrHost.FindStringSubmatch(server); m != nil {
		return p.ecrAuth(ctx, server, m[1])
	}
	return nil, nil
}

func (p *Provider) ecrAuth(ctx context.Context, server, region string) (*registry.AuthConfig, error) {
	c, err := p.ecr(ctx, region)
	if err != nil {
		return nil, err
	}
	out, err := c.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get ECR authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return nil, fmt.Errorf("ECR returned no authorization data for %s", server)
	}

	token, err := base64.StdEncoding.DecodeString(awssdk.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return nil, fmt.Errorf("invalid ECR authorization token: %w", err)
	}
	user, pass, ok := strings.Cut(string(token), ":")
	if !ok {
		return nil, fmt.Errorf("invalid ECR authorization token for %s", server)
	}
	return &registry.AuthConfig{Username: user, Password: pass, ServerAddress: server}, nil
}
