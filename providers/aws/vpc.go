package aws

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/errgroup"

	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/pkg/provider"
)

const (
	defaultVpcCidr = "10.0.0.0/16"
	defaultZones   = 2
	// Each zone gets a public and a private subnet carved from the VPC
	// range with this many extra prefix bits.
	subnetBits = 3
)

var errNatPending = errors.New("NAT gateway is still being deleted")

// VpcConfig is the input shape of aws:ec2:Vpc.
type VpcConfig struct {
	CidrBlock                 string            `json:"cidrBlock"`
	NumberOfAvailabilityZones int               `json:"numberOfAvailabilityZones"`
	Tags                      map[string]string `json:"tags"`
}

// VpcState is recorded as the outputs of aws:ec2:Vpc. Slices are indexed by
// availability zone.
type VpcState struct {
	VpcID              string   `json:"vpcId"`
	CidrBlock          string   `json:"cidrBlock"`
	AvailabilityZones  []string `json:"availabilityZones"`
	PublicSubnetIDs    []string `json:"publicSubnetIds"`
	PrivateSubnetIDs   []string `json:"privateSubnetIds"`
	InternetGatewayID  string   `json:"internetGatewayId"`
	NatGatewayIDs      []string `json:"natGatewayIds"`
	AllocationIDs      []string `json:"allocationIds"`
	PublicRouteTableID string   `json:"publicRouteTableId"`
	PrivateRouteTables []string `json:"privateRouteTableIds"`
}

func (c *VpcConfig) setDefaults() {
	if c.CidrBlock == "" {
		c.CidrBlock = defaultVpcCidr
	}
	if c.NumberOfAvailabilityZones == 0 {
		c.NumberOfAvailabilityZones = defaultZones
	}
}

func (p *Provider) applyVpc(ctx context.Context, req *provider.ApplyRequest) (map[string]any, error) {
	var desired VpcConfig
	if err := decode(req.Inputs, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	desired.setDefaults()

	parent, err := netip.ParsePrefix(desired.CidrBlock)
	if err != nil {
		return nil, fmt.Errorf("invalid cidrBlock: %w", err)
	}
	if limit := (1 << subnetBits) / 2; desired.NumberOfAvailabilityZones < 1 || desired.NumberOfAvailabilityZones > limit {
		return nil, fmt.Errorf("numberOfAvailabilityZones must be between 1 and %d", limit)
	}

	if req.Prior != nil {
		return p.updateVpc(ctx, req, &desired)
	}

	tags := defaultName(desired.Tags, req.Name)
	st := &VpcState{CidrBlock: parent.Masked().String()}
	if err := p.createVpc(ctx, parent, desired.NumberOfAvailabilityZones, tags, st); err != nil {
		logging.FromContext(ctx).Warn("VPC creation failed, removing partial resources", "vpc", st.VpcID, "error", err)
		if cerr := p.teardownVpc(context.WithoutCancel(ctx), st); cerr != nil {
			return nil, errors.Join(err, fmt.Errorf("cleanup failed: %w", cerr))
		}
		return nil, err
	}
	return encode(st)
}

// updateVpc only retags. Address layout changes need a new VPC.
func (p *Provider) updateVpc(ctx context.Context, req *provider.ApplyRequest, desired *VpcConfig) (map[string]any, error) {
	var prior VpcState
	if err := decode(req.Prior, &prior); err != nil {
		return nil, fmt.Errorf("failed to decode prior state: %w", err)
	}
	want, _ := netip.ParsePrefix(desired.CidrBlock)
	if want.Masked().String() != prior.CidrBlock || desired.NumberOfAvailabilityZones != len(prior.AvailabilityZones) {
		return nil, fmt.Errorf("VPC %s: cidrBlock and numberOfAvailabilityZones cannot change in place; destroy and recreate the resource", prior.VpcID)
	}

	tags := defaultName(desired.Tags, req.Name)
	if _, err := p.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{prior.VpcID},
		Tags:      ec2Tags(tags),
	}); err != nil {
		return nil, fmt.Errorf("failed to tag VPC %s: %w", prior.VpcID, err)
	}
	return encode(&prior)
}

// createVpc fills st as resources are created so a failure can be undone.
func (p *Provider) createVpc(ctx context.Context, parent netip.Prefix, zones int, tags map[string]string, st *VpcState) error {
	log := logging.FromContext(ctx)

	azs, err := p.availabilityZones(ctx, zones)
	if err != nil {
		return err
	}

	vpc, err := p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         str(st.CidrBlock),
		TagSpecifications: tagSpec(types.ResourceTypeVpc, tags),
	})
	if err != nil {
		return fmt.Errorf("failed to create VPC: %w", err)
	}
	st.VpcID = awssdk.ToString(vpc.Vpc.VpcId)
	log.Info("Created VPC", "vpc", st.VpcID, "cidr", st.CidrBlock)

	// Cluster nodes register by DNS name.
	for _, attr := range []*ec2.ModifyVpcAttributeInput{
		{VpcId: str(st.VpcID), EnableDnsSupport: &types.AttributeBooleanValue{Value: awssdk.Bool(true)}},
		{VpcId: str(st.VpcID), EnableDnsHostnames: &types.AttributeBooleanValue{Value: awssdk.Bool(true)}},
	} {
		if _, err := p.ec2.ModifyVpcAttribute(ctx, attr); err != nil {
			return fmt.Errorf("failed to enable DNS on VPC %s: %w", st.VpcID, err)
		}
	}

	igw, err := p.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tagSpec(types.ResourceTypeInternetGateway, tags),
	})
	if err != nil {
		return fmt.Errorf("failed to create internet gateway: %w", err)
	}
	st.InternetGatewayID = awssdk.ToString(igw.InternetGateway.InternetGatewayId)
	if _, err := p.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: str(st.InternetGatewayID),
		VpcId:             str(st.VpcID),
	}); err != nil {
		return fmt.Errorf("failed to attach internet gateway: %w", err)
	}

	rt, err := p.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             str(st.VpcID),
		TagSpecifications: tagSpec(types.ResourceTypeRouteTable, named(tags, tags["Name"]+"-public")),
	})
	if err != nil {
		return fmt.Errorf("failed to create public route table: %w", err)
	}
	st.PublicRouteTableID = awssdk.ToString(rt.RouteTable.RouteTableId)
	if _, err := p.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         str(st.PublicRouteTableID),
		DestinationCidrBlock: str("0.0.0.0/0"),
		GatewayId:            str(st.InternetGatewayID),
	}); err != nil {
		return fmt.Errorf("failed to add default route: %w", err)
	}

	st.AvailabilityZones = azs
	st.PublicSubnetIDs = make([]string, zones)
	st.PrivateSubnetIDs = make([]string, zones)
	st.AllocationIDs = make([]string, zones)
	st.NatGatewayIDs = make([]string, zones)
	st.PrivateRouteTables = make([]string, zones)

	// Zones are independent; each goroutine writes only its own index.
	g, gctx := errgroup.WithContext(ctx)
	for i, az := range azs {
		g.Go(func() error {
			return p.createZone(gctx, parent, i, zones, az, tags, st)
		})
	}
	return g.Wait()
}

func (p *Provider) createZone(ctx context.Context, parent netip.Prefix, i, zones int, az string, tags map[string]string, st *VpcState) error {
	publicCidr, err := carve(parent, parent.Bits()+subnetBits, i)
	if err != nil {
		return err
	}
	privateCidr, err := carve(parent, parent.Bits()+subnetBits, zones+i)
	if err != nil {
		return err
	}

	public, err := p.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:            str(st.VpcID),
		CidrBlock:        str(publicCidr.String()),
		AvailabilityZone: str(az),
		TagSpecifications: tagSpec(types.ResourceTypeSubnet, merge(named(tags, fmt.Sprintf("%s-public-%d", tags["Name"], i+1)),
			map[string]string{"kubernetes.io/role/elb": "1"})),
	})
	if err != nil {
		return fmt.Errorf("failed to create public subnet in %s: %w", az, err)
	}
	st.PublicSubnetIDs[i] = awssdk.ToString(public.Subnet.SubnetId)
	if _, err := p.ec2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
		SubnetId:            public.Subnet.SubnetId,
		MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: awssdk.Bool(true)},
	}); err != nil {
		return fmt.Errorf("failed to enable public IPs on %s: %w", st.PublicSubnetIDs[i], err)
	}
	if _, err := p.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: str(st.PublicRouteTableID),
		SubnetId:     public.Subnet.SubnetId,
	}); err != nil {
		return fmt.Errorf("failed to associate public subnet %s: %w", st.PublicSubnetIDs[i], err)
	}

	private, err := p.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:            str(st.VpcID),
		CidrBlock:        str(privateCidr.String()),
		AvailabilityZone: str(az),
		TagSpecifications: tagSpec(types.ResourceTypeSubnet, merge(named(tags, fmt.Sprintf("%s-private-%d", tags["Name"], i+1)),
			map[string]string{"kubernetes.io/role/internal-elb": "1"})),
	})
	if err != nil {
		return fmt.Errorf("failed to create private subnet in %s: %w", az, err)
	}
	st.PrivateSubnetIDs[i] = awssdk.ToString(private.Subnet.SubnetId)

	eip, err := p.ec2.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain:            types.DomainTypeVpc,
		TagSpecifications: tagSpec(types.ResourceTypeElasticIp, tags),
	})
	if err != nil {
		return fmt.Errorf("failed to allocate address in %s: %w", az, err)
	}
	st.AllocationIDs[i] = awssdk.ToString(eip.AllocationId)

	nat, err := p.ec2.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
		SubnetId:          public.Subnet.SubnetId,
		AllocationId:      eip.AllocationId,
		TagSpecifications: tagSpec(types.ResourceTypeNatgateway, tags),
	})
	if err != nil {
		return fmt.Errorf("failed to create NAT gateway in %s: %w", az, err)
	}
	st.NatGatewayIDs[i] = awssdk.ToString(nat.NatGateway.NatGatewayId)

	waiter := ec2.NewNatGatewayAvailableWaiter(p.ec2, func(o *ec2.NatGatewayAvailableWaiterOptions) {
		o.MinDelay = 5 * time.Second
	})
	if err := waiter.Wait(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: []string{st.NatGatewayIDs[i]}}, p.waitTimeout); err != nil {
		return fmt.Errorf("NAT gateway %s did not become available: %w", st.NatGatewayIDs[i], err)
	}

	rt, err := p.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             str(st.VpcID),
		TagSpecifications: tagSpec(types.ResourceTypeRouteTable, named(tags, fmt.Sprintf("%s-private-%d", tags["Name"], i+1))),
	})
	if err != nil {
		return fmt.Errorf("failed to create private route table in %s: %w", az, err)
	}
	st.PrivateRouteTables[i] = awssdk.ToString(rt.RouteTable.RouteTableId)
	if _, err := p.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         rt.RouteTable.RouteTableId,
		DestinationCidrBlock: str("0.0.0.0/0"),
		NatGatewayId:         nat.NatGateway.NatGatewayId,
	}); err != nil {
		return fmt.Errorf("failed to add NAT route in %s: %w", az, err)
	}
	if _, err := p.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: rt.RouteTable.RouteTableId,
		SubnetId:     private.Subnet.SubnetId,
	}); err != nil {
		return fmt.Errorf("failed to associate private subnet %s: %w", st.PrivateSubnetIDs[i], err)
	}
	return nil
}

// availabilityZones returns the first n available zones of the region,
// sorted by name.
func (p *Provider) availabilityZones(ctx context.Context, n int) ([]string, error) {
	out, err := p.ec2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []types.Filter{
			{Name: str("state"), Values: []string{"available"}},
			{Name: str("zone-type"), Values: []string{"availability-zone"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list availability zones: %w", err)
	}
	var names []string
	for _, az := range out.AvailabilityZones {
		names = append(names, awssdk.ToString(az.ZoneName))
	}
	sort.Strings(names)
	if len(names) < n {
		return nil, fmt.Errorf("region %s has %d availability zones, %d requested", p.region, len(names), n)
	}
	return names[:n], nil
}

func (p *Provider) deleteVpc(ctx context.Context, req *provider.DeleteRequest) error {
	var st VpcState
	if err := decode(req.Outputs, &st); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return p.teardownVpc(ctx, &st)
}

// teardownVpc deletes everything recorded in st, in dependency order.
// Objects that are already gone are skipped.
func (p *Provider) teardownVpc(ctx context.Context, st *VpcState) error {
	log := logging.FromContext(ctx)

	var mu sync.Mutex
	var errs []error
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}

	// NAT gateways hold the elastic IPs and sit in the public subnets.
	var g errgroup.Group
	for _, id := range nonEmpty(st.NatGatewayIDs) {
		g.Go(func() error {
			if err := p.deleteNatGateway(ctx, id); err != nil {
				fail(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, id := range append(nonEmpty(st.PublicSubnetIDs), nonEmpty(st.PrivateSubnetIDs)...) {
		err := p.withRetry(ctx, func() error {
			_, err := p.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: str(id)})
			return err
		})
		if err != nil && !isNotFound(err) {
			fail(fmt.Errorf("failed to delete subnet %s: %w", id, err))
		}
	}

	for _, id := range append(nonEmpty([]string{st.PublicRouteTableID}), nonEmpty(st.PrivateRouteTables)...) {
		if _, err := p.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: str(id)}); err != nil && !isNotFound(err) {
			fail(fmt.Errorf("failed to delete route table %s: %w", id, err))
		}
	}

	for _, id := range nonEmpty(st.AllocationIDs) {
		if _, err := p.ec2.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: str(id)}); err != nil && !isNotFound(err) {
			fail(fmt.Errorf("failed to release address %s: %w", id, err))
		}
	}

	if st.InternetGatewayID != "" {
		if st.VpcID != "" {
			_, err := p.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
				InternetGatewayId: str(st.InternetGatewayID),
				VpcId:             str(st.VpcID),
			})
			if err != nil && !isNotFound(err) {
				fail(fmt.Errorf("failed to detach internet gateway %s: %w", st.InternetGatewayID, err))
			}
		}
		_, err := p.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: str(st.InternetGatewayID)})
		if err != nil && !isNotFound(err) {
			fail(fmt.Errorf("failed to delete internet gateway %s: %w", st.InternetGatewayID, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if st.VpcID == "" {
		return nil
	}
	err := p.withRetry(ctx, func() error {
		_, err := p.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: str(st.VpcID)})
		return err
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete VPC %s: %w", st.VpcID, err)
	}
	log.Info("Deleted VPC", "vpc", st.VpcID)
	return nil
}

func (p *Provider) deleteNatGateway(ctx context.Context, id string) error {
	if _, err := p.ec2.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: str(id)}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete NAT gateway %s: %w", id, err)
	}

	policy := &provider.RetryPolicy{MaxRetries: 60, BaseDelay: 5 * time.Second, MaxDelay: 20 * time.Second}
	err := provider.RetryWithBackoff(ctx, policy, func() error {
		out, err := p.ec2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: []string{id}})
		if err != nil {
			return err
		}
		for _, nat := range out.NatGateways {
			if nat.State != types.NatGatewayStateDeleted {
				return errNatPending
			}
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, errNatPending) || isRetryable(err)
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("waiting for NAT gateway %s: %w", id, err)
	}
	return nil
}

// carve returns the index-th subnet of parent with the given prefix length.
func carve(parent netip.Prefix, bits, index int) (netip.Prefix, error) {
	if !parent.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("only IPv4 ranges are supported, got %s", parent)
	}
	if bits < parent.Bits() || bits > 28 {
		return netip.Prefix{}, fmt.Errorf("cannot split %s into /%d subnets", parent, bits)
	}
	if index < 0 || index >= 1<<(bits-parent.Bits()) {
		return netip.Prefix{}, fmt.Errorf("%s has no subnet %d of size /%d", parent, index, bits)
	}
	a := parent.Masked().Addr().As4()
	base := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	base |= uint32(index) << (32 - bits)
	addr := netip.AddrFrom4([4]byte{byte(base >> 24), byte(base >> 16), byte(base >> 8), byte(base)})
	return netip.PrefixFrom(addr, bits), nil
}

// defaultName sets the Name tag unless the user did.
func defaultName(tags map[string]string, name string) map[string]string {
	if _, ok := tags["Name"]; ok {
		return merge(tags, nil)
	}
	return merge(tags, map[string]string{"Name": name})
}

// named overrides the Name tag.
func named(tags map[string]string, name string) map[string]string {
	return merge(tags, map[string]string{"Name": name})
}

func merge(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func ec2Tags(tags map[string]string) []types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: str(k), Value: str(tags[k])})
	}
	return out
}

func tagSpec(rt types.ResourceType, tags map[string]string) []types.TagSpecification {
	return []types.TagSpecification{{ResourceType: rt, Tags: ec2Tags(tags)}}
}

func nonEmpty(ids []string) []string {
	return slices.DeleteFunc(slices.Clone(ids), func(s string) bool { return s == "" })
}
