package aws

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/picklr-io/deckhand/pkg/provider"
)

func newTestProvider(e *fakeEC2, k *fakeEKS, i *fakeIAM) *Provider {
	p := New()
	p.ec2, p.eks, p.iam = e, k, i
	p.retry = &provider.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	p.waitTimeout = time.Minute
	p.suffix = func() string { return "abc1234" }
	return p
}

// fakeEC2 hands out sequential ids and records every call by name.
type fakeEC2 struct {
	mu      sync.Mutex
	n       int
	calls   []string
	fail    map[string]error
	subnets map[string]string // id -> cidr
	deleted []string
	nats    map[string]ec2types.NatGatewayState
	tagged  []string
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		fail:    map[string]error{},
		subnets: map[string]string{},
		nats:    map[string]ec2types.NatGatewayState{},
	}
}

func (f *fakeEC2) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.fail[call]
}

func (f *fakeEC2) id(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("%s-%d", prefix, f.n)
}

func (f *fakeEC2) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func (f *fakeEC2) wasDeleted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.deleted, id)
}

func (f *fakeEC2) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeEC2) DescribeAvailabilityZones(_ context.Context, _ *ec2.DescribeAvailabilityZonesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	if err := f.record("DescribeAvailabilityZones"); err != nil {
		return nil, err
	}
	return &ec2.DescribeAvailabilityZonesOutput{AvailabilityZones: []ec2types.AvailabilityZone{
		{ZoneName: str("us-west-2c")}, {ZoneName: str("us-west-2a")}, {ZoneName: str("us-west-2b")},
	}}, nil
}

func (f *fakeEC2) CreateVpc(_ context.Context, _ *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	if err := f.record("CreateVpc"); err != nil {
		return nil, err
	}
	return &ec2.CreateVpcOutput{Vpc: &ec2types.Vpc{VpcId: str(f.id("vpc"))}}, nil
}

func (f *fakeEC2) ModifyVpcAttribute(_ context.Context, _ *ec2.ModifyVpcAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	return &ec2.ModifyVpcAttributeOutput{}, f.record("ModifyVpcAttribute")
}

func (f *fakeEC2) DeleteVpc(_ context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	if err := f.record("DeleteVpc"); err != nil {
		return nil, err
	}
	f.remove(awssdk.ToString(in.VpcId))
	return &ec2.DeleteVpcOutput{}, nil
}

func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	if err := f.record("CreateTags"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.tagged = append(f.tagged, in.Resources...)
	f.mu.Unlock()
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) CreateSubnet(_ context.Context, in *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	if err := f.record("CreateSubnet"); err != nil {
		return nil, err
	}
	id := f.id("subnet")
	f.mu.Lock()
	f.subnets[id] = awssdk.ToString(in.CidrBlock)
	f.mu.Unlock()
	return &ec2.CreateSubnetOutput{Subnet: &ec2types.Subnet{SubnetId: str(id)}}, nil
}

func (f *fakeEC2) ModifySubnetAttribute(_ context.Context, _ *ec2.ModifySubnetAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error) {
	return &ec2.ModifySubnetAttributeOutput{}, f.record("ModifySubnetAttribute")
}

func (f *fakeEC2) DeleteSubnet(_ context.Context, in *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	if err := f.record("DeleteSubnet"); err != nil {
		return nil, err
	}
	f.remove(awssdk.ToString(in.SubnetId))
	return &ec2.DeleteSubnetOutput{}, nil
}

func (f *fakeEC2) CreateInternetGateway(_ context.Context, _ *ec2.CreateInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	if err := f.record("CreateInternetGateway"); err != nil {
		return nil, err
	}
	return &ec2.CreateInternetGatewayOutput{InternetGateway: &ec2types.InternetGateway{InternetGatewayId: str(f.id("igw"))}}, nil
}

func (f *fakeEC2) AttachInternetGateway(_ context.Context, _ *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	return &ec2.AttachInternetGatewayOutput{}, f.record("AttachInternetGateway")
}

func (f *fakeEC2) DetachInternetGateway(_ context.Context, _ *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	return &ec2.DetachInternetGatewayOutput{}, f.record("DetachInternetGateway")
}

func (f *fakeEC2) DeleteInternetGateway(_ context.Context, in *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	if err := f.record("DeleteInternetGateway"); err != nil {
		return nil, err
	}
	f.remove(awssdk.ToString(in.InternetGatewayId))
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (f *fakeEC2) AllocateAddress(_ context.Context, _ *ec2.AllocateAddressInput, _ ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error) {
	if err := f.record("AllocateAddress"); err != nil {
		return nil, err
	}
	return &ec2.AllocateAddressOutput{AllocationId: str(f.id("eipalloc"))}, nil
}

func (f *fakeEC2) ReleaseAddress(_ context.Context, in *ec2.ReleaseAddressInput, _ ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error) {
	if err := f.record("ReleaseAddress"); err != nil {
		return nil, err
	}
	f.remove(awssdk.ToString(in.AllocationId))
	return &ec2.ReleaseAddressOutput{}, nil
}

func (f *fakeEC2) CreateNatGateway(_ context.Context, _ *ec2.CreateNatGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateNatGatewayOutput, error) {
	if err := f.record("CreateNatGateway"); err != nil {
		return nil, err
	}
	id := f.id("nat")
	f.mu.Lock()
	f.nats[id] = ec2types.NatGatewayStateAvailable
	f.mu.Unlock()
	return &ec2.CreateNatGatewayOutput{NatGateway: &ec2types.NatGateway{NatGatewayId: str(id)}}, nil
}

func (f *fakeEC2) DeleteNatGateway(_ context.Context, in *ec2.DeleteNatGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteNatGatewayOutput, error) {
	if err := f.record("DeleteNatGateway"); err != nil {
		return nil, err
	}
	id := awssdk.ToString(in.NatGatewayId)
	f.mu.Lock()
	f.nats[id] = ec2types.NatGatewayStateDeleted
	f.mu.Unlock()
	f.remove(id)
	return &ec2.DeleteNatGatewayOutput{}, nil
}

func (f *fakeEC2) DescribeNatGateways(_ context.Context, in *ec2.DescribeNatGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error) {
	if err := f.record("DescribeNatGateways"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ec2.DescribeNatGatewaysOutput{}
	for _, id := range in.NatGatewayIds {
		out.NatGateways = append(out.NatGateways, ec2types.NatGateway{NatGatewayId: str(id), State: f.nats[id]})
	}
	return out, nil
}

func (f *fakeEC2) CreateRouteTable(_ context.Context, _ *ec2.CreateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error) {
	if err := f.record("CreateRouteTable"); err != nil {
		return nil, err
	}
	return &ec2.CreateRouteTableOutput{RouteTable: &ec2types.RouteTable{RouteTableId: str(f.id("rtb"))}}, nil
}

func (f *fakeEC2) CreateRoute(_ context.Context, _ *ec2.CreateRouteInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	return &ec2.CreateRouteOutput{}, f.record("CreateRoute")
}

func (f *fakeEC2) AssociateRouteTable(_ context.Context, _ *ec2.AssociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error) {
	return &ec2.AssociateRouteTableOutput{}, f.record("AssociateRouteTable")
}

func (f *fakeEC2) DeleteRouteTable(_ context.Context, in *ec2.DeleteRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	if err := f.record("DeleteRouteTable"); err != nil {
		return nil, err
	}
	f.remove(awssdk.ToString(in.RouteTableId))
	return &ec2.DeleteRouteTableOutput{}, nil
}

// fakeEKS keeps clusters and node groups in maps. Every object is ACTIVE as
// soon as it is created and gone as soon as it is deleted.
type fakeEKS struct {
	mu         sync.Mutex
	calls      []string
	fail       map[string]error
	clusters   map[string]*ekstypes.Cluster
	nodegroups map[string]*ekstypes.Nodegroup
	// createClusterErrs are returned, in order, before CreateCluster succeeds.
	createClusterErrs []error
	resized           *ekstypes.NodegroupScalingConfig
}

func newFakeEKS() *fakeEKS {
	return &fakeEKS{
		fail:       map[string]error{},
		clusters:   map[string]*ekstypes.Cluster{},
		nodegroups: map[string]*ekstypes.Nodegroup{},
	}
}

func (f *fakeEKS) record(call string) error {
	f.calls = append(f.calls, call)
	return f.fail[call]
}

func (f *fakeEKS) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func notFound(what string) error {
	return &ekstypes.ResourceNotFoundException{Message: str(what + " not found")}
}

func (f *fakeEKS) CreateCluster(_ context.Context, in *eks.CreateClusterInput, _ ...func(*eks.Options)) (*eks.CreateClusterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateCluster"); err != nil {
		return nil, err
	}
	if len(f.createClusterErrs) > 0 {
		err := f.createClusterErrs[0]
		f.createClusterErrs = f.createClusterErrs[1:]
		return nil, err
	}
	name := awssdk.ToString(in.Name)
	version := awssdk.ToString(in.Version)
	if version == "" {
		version = "1.31"
	}
	c := &ekstypes.Cluster{
		Name:                 in.Name,
		Arn:                  str("arn:aws:eks:us-west-2:123456789012:cluster/" + name),
		Endpoint:             str("https://" + name + ".eks.example.com"),
		Version:              str(version),
		Status:               ekstypes.ClusterStatusActive,
		CertificateAuthority: &ekstypes.Certificate{Data: str("Y2EtZGF0YQ==")},
	}
	f.clusters[name] = c
	return &eks.CreateClusterOutput{Cluster: c}, nil
}

func (f *fakeEKS) DescribeCluster(_ context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clusters[awssdk.ToString(in.Name)]
	if !ok {
		return nil, notFound("cluster")
	}
	return &eks.DescribeClusterOutput{Cluster: c}, nil
}

func (f *fakeEKS) DeleteCluster(_ context.Context, in *eks.DeleteClusterInput, _ ...func(*eks.Options)) (*eks.DeleteClusterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteCluster"); err != nil {
		return nil, err
	}
	name := awssdk.ToString(in.Name)
	if _, ok := f.clusters[name]; !ok {
		return nil, notFound("cluster")
	}
	delete(f.clusters, name)
	return &eks.DeleteClusterOutput{}, nil
}

func (f *fakeEKS) CreateNodegroup(_ context.Context, in *eks.CreateNodegroupInput, _ ...func(*eks.Options)) (*eks.CreateNodegroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateNodegroup"); err != nil {
		return nil, err
	}
	ng := &ekstypes.Nodegroup{
		NodegroupName: in.NodegroupName,
		ClusterName:   in.ClusterName,
		Subnets:       in.Subnets,
		InstanceTypes: in.InstanceTypes,
		ScalingConfig: in.ScalingConfig,
		Status:        ekstypes.NodegroupStatusActive,
	}
	f.nodegroups[awssdk.ToString(in.NodegroupName)] = ng
	return &eks.CreateNodegroupOutput{Nodegroup: ng}, nil
}

func (f *fakeEKS) DescribeNodegroup(_ context.Context, in *eks.DescribeNodegroupInput, _ ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ng, ok := f.nodegroups[awssdk.ToString(in.NodegroupName)]
	if !ok {
		return nil, notFound("nodegroup")
	}
	return &eks.DescribeNodegroupOutput{Nodegroup: ng}, nil
}

func (f *fakeEKS) UpdateNodegroupConfig(_ context.Context, in *eks.UpdateNodegroupConfigInput, _ ...func(*eks.Options)) (*eks.UpdateNodegroupConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateNodegroupConfig"); err != nil {
		return nil, err
	}
	ng, ok := f.nodegroups[awssdk.ToString(in.NodegroupName)]
	if !ok {
		return nil, notFound("nodegroup")
	}
	ng.ScalingConfig = in.ScalingConfig
	f.resized = in.ScalingConfig
	return &eks.UpdateNodegroupConfigOutput{}, nil
}

func (f *fakeEKS) DeleteNodegroup(_ context.Context, in *eks.DeleteNodegroupInput, _ ...func(*eks.Options)) (*eks.DeleteNodegroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteNodegroup"); err != nil {
		return nil, err
	}
	name := awssdk.ToString(in.NodegroupName)
	if _, ok := f.nodegroups[name]; !ok {
		return nil, notFound("nodegroup")
	}
	delete(f.nodegroups, name)
	return &eks.DeleteNodegroupOutput{}, nil
}

// fakeIAM tracks roles and their attached policies.
type fakeIAM struct {
	mu       sync.Mutex
	roles    map[string][]string
	failOn   string // policy ARN whose attachment fails
	deleted  []string
	attached int
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{roles: map[string][]string{}}
}

func (f *fakeIAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := awssdk.ToString(in.RoleName)
	if _, ok := f.roles[name]; ok {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: str(name)}
	}
	f.roles[name] = nil
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{
		RoleName: in.RoleName,
		Arn:      str("arn:aws:iam::123456789012:role/" + name),
	}}, nil
}

func (f *fakeIAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := awssdk.ToString(in.PolicyArn)
	if arn == f.failOn {
		return nil, &iamtypes.LimitExceededException{Message: str("too many policies")}
	}
	name := awssdk.ToString(in.RoleName)
	f.roles[name] = append(f.roles[name], arn)
	f.attached++
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DetachRolePolicy(_ context.Context, in *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := awssdk.ToString(in.RoleName)
	policies, ok := f.roles[name]
	if !ok {
		return nil, &iamtypes.NoSuchEntityException{Message: str(name)}
	}
	f.roles[name] = slices.DeleteFunc(policies, func(p string) bool { return p == awssdk.ToString(in.PolicyArn) })
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRole(_ context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := awssdk.ToString(in.RoleName)
	if _, ok := f.roles[name]; !ok {
		return nil, &iamtypes.NoSuchEntityException{Message: str(name)}
	}
	delete(f.roles, name)
	f.deleted = append(f.deleted, name)
	return &iam.DeleteRoleOutput{}, nil
}
