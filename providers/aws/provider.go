// Package aws manages the network and Kubernetes cluster resources of a
// stack on Amazon Web Services.
package aws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/picklr-io/deckhand/pkg/provider"
)

const (
	TypeVpc     = "aws:ec2:Vpc"
	TypeCluster = "aws:eks:Cluster"

	defaultRegion = "us-east-1"
)

// ec2API is the subset of the EC2 client the provider uses.
type ec2API interface {
	ec2.DescribeNatGatewaysAPIClient
	DescribeAvailabilityZones(ctx context.Context, in *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
	CreateVpc(ctx context.Context, in *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	ModifyVpcAttribute(ctx context.Context, in *ec2.ModifyVpcAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error)
	DeleteVpc(ctx context.Context, in *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	CreateSubnet(ctx context.Context, in *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	ModifySubnetAttribute(ctx context.Context, in *ec2.ModifySubnetAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error)
	DeleteSubnet(ctx context.Context, in *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
	CreateInternetGateway(ctx context.Context, in *ec2.CreateInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error)
	AttachInternetGateway(ctx context.Context, in *ec2.AttachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error)
	DetachInternetGateway(ctx context.Context, in *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGateway(ctx context.Context, in *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error)
	AllocateAddress(ctx context.Context, in *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error)
	ReleaseAddress(ctx context.Context, in *ec2.ReleaseAddressInput, optFns ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error)
	CreateNatGateway(ctx context.Context, in *ec2.CreateNatGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateNatGatewayOutput, error)
	DeleteNatGateway(ctx context.Context, in *ec2.DeleteNatGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNatGatewayOutput, error)
	CreateRouteTable(ctx context.Context, in *ec2.CreateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error)
	CreateRoute(ctx context.Context, in *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	AssociateRouteTable(ctx context.Context, in *ec2.AssociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error)
	DeleteRouteTable(ctx context.Context, in *ec2.DeleteRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error)
}

// eksAPI is the subset of the EKS client the provider uses.
type eksAPI interface {
	eks.DescribeClusterAPIClient
	eks.DescribeNodegroupAPIClient
	CreateCluster(ctx context.Context, in *eks.CreateClusterInput, optFns ...func(*eks.Options)) (*eks.CreateClusterOutput, error)
	DeleteCluster(ctx context.Context, in *eks.DeleteClusterInput, optFns ...func(*eks.Options)) (*eks.DeleteClusterOutput, error)
	CreateNodegroup(ctx context.Context, in *eks.CreateNodegroupInput, optFns ...func(*eks.Options)) (*eks.CreateNodegroupOutput, error)
	UpdateNodegroupConfig(ctx context.Context, in *eks.UpdateNodegroupConfigInput, optFns ...func(*eks.Options)) (*eks.UpdateNodegroupConfigOutput, error)
	DeleteNodegroup(ctx context.Context, in *eks.DeleteNodegroupInput, optFns ...func(*eks.Options)) (*eks.DeleteNodegroupOutput, error)
}

// iamAPI is the subset of the IAM client the provider uses.
type iamAPI interface {
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	DeleteRole(ctx context.Context, in *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

// Provider implements aws:ec2:Vpc and aws:eks:Cluster.
type Provider struct {
	mu      sync.Mutex
	region  string
	profile string
	ec2     ec2API
	eks     eksAPI
	iam     iamAPI

	retry *provider.RetryPolicy
	// waitTimeout bounds each waiter; the engine's per-resource timeout
	// applies on top.
	waitTimeout time.Duration
	suffix      func() string
}

func New() *Provider {
	return &Provider{
		region:      defaultRegion,
		retry:       &provider.RetryPolicy{MaxRetries: 8, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second},
		waitTimeout: 25 * time.Minute,
		suffix:      randomSuffix,
	}
}

func (p *Provider) Name() string { return "aws" }

// Configure reads "region" and "profile" and creates the SDK clients.
func (p *Provider) Configure(ctx context.Context, req *provider.ConfigureRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r := req.Config["region"]; r != "" {
		p.region = r
	}
	p.profile = req.Config["profile"]
	return p.ensureClients(ctx)
}

// ensureClients must be called with mu held.
func (p *Provider) ensureClients(ctx context.Context) error {
	if p.ec2 != nil && p.eks != nil && p.iam != nil {
		return nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(p.region)}
	if p.profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(p.profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	p.ec2 = ec2.NewFromConfig(cfg)
	p.eks = eks.NewFromConfig(cfg)
	p.iam = iam.NewFromConfig(cfg)
	return nil
}

func (p *Provider) clients(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureClients(ctx)
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	if err := p.clients(ctx); err != nil {
		return nil, err
	}

	var (
		outputs map[string]any
		err     error
	)
	switch req.Type {
	case TypeVpc:
		outputs, err = p.applyVpc(ctx, req)
	case TypeCluster:
		outputs, err = p.applyCluster(ctx, req)
	default:
		return nil, provider.UnsupportedType(p.Name(), req.Type)
	}
	if err != nil {
		return nil, err
	}
	return &provider.ApplyResponse{Outputs: outputs}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	if err := p.clients(ctx); err != nil {
		return err
	}

	switch req.Type {
	case TypeVpc:
		return p.deleteVpc(ctx, req)
	case TypeCluster:
		return p.deleteCluster(ctx, req)
	}
	return provider.UnsupportedType(p.Name(), req.Type)
}

// withRetry repeats fn while it fails with a retryable AWS error.
func (p *Provider) withRetry(ctx context.Context, fn func() error) error {
	return provider.RetryWithBackoff(ctx, p.retry, fn, isRetryable)
}

// decode converts resolved inputs or recorded outputs into a typed struct.
func decode(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// encode is the inverse of decode.
func encode(in any) (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// physicalName appends a random suffix to a logical name so replacements do
// not collide with the resource they replace.
func (p *Provider) physicalName(name string) string {
	return name + "-" + p.suffix()
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:7]
}

func str(s string) *string { return awssdk.String(s) }
