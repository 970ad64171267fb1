package aws

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"

	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/pkg/provider"
)

const (
	defaultInstanceType = "t2.micro"
	defaultNodeCount    = 2
)

// ClusterConfig is the input shape of aws:eks:Cluster.
type ClusterConfig struct {
	VpcID            string   `json:"vpcId"`
	PublicSubnetIDs  []string `json:"publicSubnetIds"`
	PrivateSubnetIDs []string `json:"privateSubnetIds"`
	Version          string   `json:"version"`
	InstanceType     string   `json:"instanceType"`
	DesiredCapacity  int32    `json:"desiredCapacity"`
	MinSize          int32    `json:"minSize"`
	MaxSize          int32    `json:"maxSize"`
	// NodeAssociatePublicIPAddress places nodes in the public subnets.
	NodeAssociatePublicIPAddress bool              `json:"nodeAssociatePublicIpAddress"`
	Tags                         map[string]string `json:"tags"`
}

// ClusterState is recorded as the outputs of aws:eks:Cluster.
type ClusterState struct {
	ClusterName          string            `json:"clusterName"`
	ARN                  string            `json:"arn"`
	Endpoint             string            `json:"endpoint"`
	CertificateAuthority string            `json:"certificateAuthority"`
	Version              string            `json:"version"`
	VpcID                string            `json:"vpcId"`
	SubnetIDs            []string          `json:"subnetIds"`
	NodeSubnetIDs        []string          `json:"nodeSubnetIds"`
	NodeGroupName        string            `json:"nodeGroupName"`
	InstanceType         string            `json:"instanceType"`
	DesiredCapacity      int32             `json:"desiredCapacity"`
	MinSize              int32             `json:"minSize"`
	MaxSize              int32             `json:"maxSize"`
	ClusterRole          *RoleState        `json:"clusterRole,omitempty"`
	NodeRole             *RoleState        `json:"nodeRole,omitempty"`
	Kubeconfig           string            `json:"kubeconfig"`
	Tags                 map[string]string `json:"tags"`
}

func (c *ClusterConfig) setDefaults() {
	if c.InstanceType == "" {
		c.InstanceType = defaultInstanceType
	}
	if c.DesiredCapacity == 0 {
		c.DesiredCapacity = defaultNodeCount
	}
	if c.MinSize == 0 {
		c.MinSize = min(defaultNodeCount, c.DesiredCapacity)
	}
	if c.MaxSize == 0 {
		c.MaxSize = max(defaultNodeCount, c.DesiredCapacity)
	}
}

func (c *ClusterConfig) validate() error {
	var errs []error
	if len(c.PublicSubnetIDs)+len(c.PrivateSubnetIDs) < 2 {
		errs = append(errs, errors.New("at least two subnets are required"))
	}
	if len(c.nodeSubnets()) == 0 {
		errs = append(errs, errors.New("no subnets for the node group"))
	}
	if c.MinSize < 0 || c.MinSize > c.DesiredCapacity || c.DesiredCapacity > c.MaxSize || c.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("sizes must satisfy 0 <= minSize (%d) <= desiredCapacity (%d) <= maxSize (%d), maxSize >= 1",
			c.MinSize, c.DesiredCapacity, c.MaxSize))
	}
	return errors.Join(errs...)
}

func (c *ClusterConfig) subnets() []string {
	return append(slices.Clone(c.PublicSubnetIDs), c.PrivateSubnetIDs...)
}

func (c *ClusterConfig) nodeSubnets() []string {
	if c.NodeAssociatePublicIPAddress || len(c.PrivateSubnetIDs) == 0 {
		return c.PublicSubnetIDs
	}
	return c.PrivateSubnetIDs
}

func (p *Provider) applyCluster(ctx context.Context, req *provider.ApplyRequest) (map[string]any, error) {
	var desired ClusterConfig
	if err := decode(req.Inputs, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	desired.setDefaults()
	if err := desired.validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster %s: %w", req.Name, err)
	}

	if req.Prior != nil {
		return p.updateCluster(ctx, req, &desired)
	}

	st := &ClusterState{
		ClusterName:     p.physicalName(req.Name),
		VpcID:           desired.VpcID,
		SubnetIDs:       desired.subnets(),
		NodeSubnetIDs:   desired.nodeSubnets(),
		InstanceType:    desired.InstanceType,
		DesiredCapacity: desired.DesiredCapacity,
		MinSize:         desired.MinSize,
		MaxSize:         desired.MaxSize,
		Tags:            desired.Tags,
	}
	if err := p.createCluster(ctx, &desired, st); err != nil {
		logging.FromContext(ctx).Warn("Cluster creation failed, removing partial resources", "cluster", st.ClusterName, "error", err)
		if cerr := p.teardownCluster(context.WithoutCancel(ctx), st); cerr != nil {
			return nil, errors.Join(err, fmt.Errorf("cleanup failed: %w", cerr))
		}
		return nil, err
	}
	return encode(st)
}

func (p *Provider) createCluster(ctx context.Context, desired *ClusterConfig, st *ClusterState) error {
	log := logging.FromContext(ctx).With("cluster", st.ClusterName)

	var err error
	st.ClusterRole, err = p.createRole(ctx, st.ClusterName+"-cluster", eksTrustPolicy, clusterPolicies, desired.Tags)
	if err != nil {
		return err
	}
	st.NodeRole, err = p.createRole(ctx, st.ClusterName+"-node", ec2TrustPolicy, nodePolicies, desired.Tags)
	if err != nil {
		return err
	}

	input := &eks.CreateClusterInput{
		Name:    str(st.ClusterName),
		RoleArn: str(st.ClusterRole.ARN),
		ResourcesVpcConfig: &types.VpcConfigRequest{
			SubnetIds:             st.SubnetIDs,
			EndpointPublicAccess:  awssdk.Bool(true),
			EndpointPrivateAccess: awssdk.Bool(true),
		},
		Tags: desired.Tags,
	}
	if desired.Version != "" {
		input.Version = str(desired.Version)
	}
	// The new role is not visible to EKS right away.
	err = p.withRetry(ctx, func() error {
		_, err := p.eks.CreateCluster(ctx, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create EKS cluster: %w", err)
	}
	log.Info("Waiting for EKS cluster to become active")

	active := eks.NewClusterActiveWaiter(p.eks, func(o *eks.ClusterActiveWaiterOptions) {
		o.MinDelay = 15 * time.Second
	})
	out, err := active.WaitForOutput(ctx, &eks.DescribeClusterInput{Name: str(st.ClusterName)}, p.waitTimeout)
	if err != nil {
		return fmt.Errorf("EKS cluster %s did not become active: %w", st.ClusterName, err)
	}
	st.ARN = awssdk.ToString(out.Cluster.Arn)
	st.Endpoint = awssdk.ToString(out.Cluster.Endpoint)
	st.Version = awssdk.ToString(out.Cluster.Version)
	if out.Cluster.CertificateAuthority != nil {
		st.CertificateAuthority = awssdk.ToString(out.Cluster.CertificateAuthority.Data)
	}

	ng := st.ClusterName + "-nodes"
	_, err = p.eks.CreateNodegroup(ctx, &eks.CreateNodegroupInput{
		ClusterName:   str(st.ClusterName),
		NodegroupName: str(ng),
		NodeRole:      str(st.NodeRole.ARN),
		Subnets:       st.NodeSubnetIDs,
		InstanceTypes: []string{desired.InstanceType},
		ScalingConfig: &types.NodegroupScalingConfig{
			DesiredSize: awssdk.Int32(desired.DesiredCapacity),
			MinSize:     awssdk.Int32(desired.MinSize),
			MaxSize:     awssdk.Int32(desired.MaxSize),
		},
		Tags: desired.Tags,
	})
	if err != nil {
		return fmt.Errorf("failed to create node group: %w", err)
	}
	st.NodeGroupName = ng
	log.Info("Waiting for node group to become active", "nodegroup", ng)
	if err := p.waitNodegroup(ctx, st); err != nil {
		return err
	}

	st.Kubeconfig, err = kubeconfig(st.ClusterName, st.Endpoint, st.CertificateAuthority, p.region, p.profile)
	return err
}

// updateCluster resizes the node group. Anything else needs a new cluster.
func (p *Provider) updateCluster(ctx context.Context, req *provider.ApplyRequest, desired *ClusterConfig) (map[string]any, error) {
	var st ClusterState
	if err := decode(req.Prior, &st); err != nil {
		return nil, fmt.Errorf("failed to decode prior state: %w", err)
	}

	var immutable []string
	if desired.VpcID != st.VpcID || !slices.Equal(desired.subnets(), st.SubnetIDs) || !slices.Equal(desired.nodeSubnets(), st.NodeSubnetIDs) {
		immutable = append(immutable, "subnets")
	}
	if desired.InstanceType != st.InstanceType {
		immutable = append(immutable, "instanceType")
	}
	if desired.Version != "" && desired.Version != st.Version {
		immutable = append(immutable, "version")
	}
	if len(immutable) > 0 {
		return nil, fmt.Errorf("cluster %s: %v cannot change in place; destroy and recreate the resource", st.ClusterName, immutable)
	}

	if desired.DesiredCapacity != st.DesiredCapacity || desired.MinSize != st.MinSize || desired.MaxSize != st.MaxSize {
		_, err := p.eks.UpdateNodegroupConfig(ctx, &eks.UpdateNodegroupConfigInput{
			ClusterName:   str(st.ClusterName),
			NodegroupName: str(st.NodeGroupName),
			ScalingConfig: &types.NodegroupScalingConfig{
				DesiredSize: awssdk.Int32(desired.DesiredCapacity),
				MinSize:     awssdk.Int32(desired.MinSize),
				MaxSize:     awssdk.Int32(desired.MaxSize),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resize node group %s: %w", st.NodeGroupName, err)
		}
		if err := p.waitNodegroup(ctx, &st); err != nil {
			return nil, err
		}
		st.DesiredCapacity, st.MinSize, st.MaxSize = desired.DesiredCapacity, desired.MinSize, desired.MaxSize
	}
	st.Tags = desired.Tags
	return encode(&st)
}

func (p *Provider) waitNodegroup(ctx context.Context, st *ClusterState) error {
	waiter := eks.NewNodegroupActiveWaiter(p.eks, func(o *eks.NodegroupActiveWaiterOptions) {
		o.MinDelay = 15 * time.Second
	})
	err := waiter.Wait(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   str(st.ClusterName),
		NodegroupName: str(st.NodeGroupName),
	}, p.waitTimeout)
	if err != nil {
		return fmt.Errorf("node group %s did not become active: %w", st.NodeGroupName, err)
	}
	return nil
}

func (p *Provider) deleteCluster(ctx context.Context, req *provider.DeleteRequest) error {
	var st ClusterState
	if err := decode(req.Outputs, &st); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return p.teardownCluster(ctx, &st)
}

// teardownCluster removes the node group, the cluster and both roles, each
// only if it was recorded.
func (p *Provider) teardownCluster(ctx context.Context, st *ClusterState) error {
	log := logging.FromContext(ctx).With("cluster", st.ClusterName)

	if st.NodeGroupName != "" {
		_, err := p.eks.DeleteNodegroup(ctx, &eks.DeleteNodegroupInput{
			ClusterName:   str(st.ClusterName),
			NodegroupName: str(st.NodeGroupName),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete node group %s: %w", st.NodeGroupName, err)
		}
		if err == nil {
			log.Info("Waiting for node group deletion", "nodegroup", st.NodeGroupName)
			waiter := eks.NewNodegroupDeletedWaiter(p.eks, func(o *eks.NodegroupDeletedWaiterOptions) {
				o.MinDelay = 15 * time.Second
			})
			if err := waiter.Wait(ctx, &eks.DescribeNodegroupInput{
				ClusterName:   str(st.ClusterName),
				NodegroupName: str(st.NodeGroupName),
			}, p.waitTimeout); err != nil {
				return fmt.Errorf("node group %s was not deleted: %w", st.NodeGroupName, err)
			}
		}
	}

	// ARN is set once CreateCluster has been accepted.
	if st.ClusterName != "" && st.ClusterRole != nil {
		_, err := p.eks.DeleteCluster(ctx, &eks.DeleteClusterInput{Name: str(st.ClusterName)})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete EKS cluster %s: %w", st.ClusterName, err)
		}
		if err == nil {
			log.Info("Waiting for EKS cluster deletion")
			waiter := eks.NewClusterDeletedWaiter(p.eks, func(o *eks.ClusterDeletedWaiterOptions) {
				o.MinDelay = 15 * time.Second
			})
			if err := waiter.Wait(ctx, &eks.DescribeClusterInput{Name: str(st.ClusterName)}, p.waitTimeout); err != nil {
				return fmt.Errorf("EKS cluster %s was not deleted: %w", st.ClusterName, err)
			}
		}
	}

	return errors.Join(p.deleteRole(ctx, st.NodeRole), p.deleteRole(ctx, st.ClusterRole))
}
