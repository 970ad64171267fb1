package aws

import (
	"context"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/deckhand/pkg/provider"
)

func clusterInputs() map[string]any {
	return map[string]any{
		"vpcId":            "vpc-1",
		"publicSubnetIds":  []any{"subnet-pub-a", "subnet-pub-b"},
		"privateSubnetIds": []any{"subnet-priv-a", "subnet-priv-b"},
		"instanceType":     "t2.micro",
		"desiredCapacity":  float64(2),
		"minSize":          float64(2),
		"maxSize":          float64(2),
		"tags":             map[string]any{"project": "demo"},
	}
}

func TestApplyCluster_Create(t *testing.T) {
	k, i := newFakeEKS(), newFakeIAM()
	p := newTestProvider(newFakeEC2(), k, i)
	p.region = "us-west-2"

	resp, err := p.Apply(context.Background(), &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: clusterInputs()})
	require.NoError(t, err)

	var st ClusterState
	require.NoError(t, decode(resp.Outputs, &st))
	assert.Equal(t, "core-abc1234", st.ClusterName)
	assert.Equal(t, "https://core-abc1234.eks.example.com", st.Endpoint)
	assert.Equal(t, "Y2EtZGF0YQ==", st.CertificateAuthority)
	assert.Equal(t, "core-abc1234-nodes", st.NodeGroupName)
	assert.Equal(t, []string{"subnet-pub-a", "subnet-pub-b", "subnet-priv-a", "subnet-priv-b"}, st.SubnetIDs)
	assert.Equal(t, []string{"subnet-priv-a", "subnet-priv-b"}, st.NodeSubnetIDs)
	assert.Equal(t, map[string]string{"project": "demo"}, st.Tags)

	require.NotNil(t, st.ClusterRole)
	require.NotNil(t, st.NodeRole)
	assert.Equal(t, clusterPolicies, st.ClusterRole.Policies)
	assert.Equal(t, nodePolicies, st.NodeRole.Policies)
	assert.Equal(t, len(clusterPolicies)+len(nodePolicies), i.attached)

	assert.Contains(t, st.Kubeconfig, "server: https://core-abc1234.eks.example.com")
	assert.Contains(t, st.Kubeconfig, "get-token")
	assert.Contains(t, st.Kubeconfig, "us-west-2")

	ng := k.nodegroups["core-abc1234-nodes"]
	require.NotNil(t, ng)
	assert.Equal(t, []string{"t2.micro"}, ng.InstanceTypes)
	assert.Equal(t, int32(2), *ng.ScalingConfig.DesiredSize)
}

func TestApplyCluster_PublicNodes(t *testing.T) {
	k := newFakeEKS()
	p := newTestProvider(newFakeEC2(), k, newFakeIAM())

	in := clusterInputs()
	in["nodeAssociatePublicIpAddress"] = true
	resp, err := p.Apply(context.Background(), &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: in})
	require.NoError(t, err)
	assert.Equal(t, []any{"subnet-pub-a", "subnet-pub-b"}, resp.Outputs["nodeSubnetIds"])
}

func TestApplyCluster_Defaults(t *testing.T) {
	k := newFakeEKS()
	p := newTestProvider(newFakeEC2(), k, newFakeIAM())

	resp, err := p.Apply(context.Background(), &provider.ApplyRequest{
		Type: TypeCluster, Name: "core",
		Inputs: map[string]any{"publicSubnetIds": []any{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, defaultInstanceType, resp.Outputs["instanceType"])
	assert.Equal(t, float64(defaultNodeCount), resp.Outputs["desiredCapacity"])
	assert.Equal(t, float64(defaultNodeCount), resp.Outputs["maxSize"])
}

func TestApplyCluster_InvalidSizes(t *testing.T) {
	k := newFakeEKS()
	p := newTestProvider(newFakeEC2(), k, newFakeIAM())

	in := clusterInputs()
	in["minSize"] = float64(3)
	_, err := p.Apply(context.Background(), &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: in})
	assert.ErrorContains(t, err, "minSize (3)")
	assert.Zero(t, k.count("CreateCluster"))

	_, err = p.Apply(context.Background(), &provider.ApplyRequest{
		Type: TypeCluster, Name: "core",
		Inputs: map[string]any{"publicSubnetIds": []any{"a"}},
	})
	assert.ErrorContains(t, err, "at least two subnets")
}

func TestApplyCluster_RetriesUntilRoleIsAssumable(t *testing.T) {
	k := newFakeEKS()
	k.createClusterErrs = []error{&smithy.GenericAPIError{
		Code:    "InvalidParameterException",
		Message: "Role with arn: arn:aws:iam::123456789012:role/core could not be assumed",
	}}
	p := newTestProvider(newFakeEC2(), k, newFakeIAM())

	_, err := p.Apply(context.Background(), &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: clusterInputs()})
	require.NoError(t, err)
	assert.Equal(t, 2, k.count("CreateCluster"))
}

func TestApplyCluster_RollsBackOnNodegroupFailure(t *testing.T) {
	k, i := newFakeEKS(), newFakeIAM()
	k.fail["CreateNodegroup"] = &smithy.GenericAPIError{Code: "AccessDeniedException"}
	p := newTestProvider(newFakeEC2(), k, i)

	_, err := p.Apply(context.Background(), &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: clusterInputs()})
	require.ErrorContains(t, err, "failed to create node group")

	assert.Empty(t, k.clusters)
	assert.Empty(t, i.roles)
	assert.ElementsMatch(t, []string{"core-abc1234-cluster", "core-abc1234-node"}, i.deleted)
}

func TestApplyCluster_PolicyAttachFailureRemovesRole(t *testing.T) {
	k, i := newFakeEKS(), newFakeIAM()
	i.failOn = nodePolicies[1]
	p := newTestProvider(newFakeEC2(), k, i)

	_, err := p.Apply(context.Background(), &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: clusterInputs()})
	require.ErrorContains(t, err, "AmazonEKS_CNI_Policy")
	assert.Empty(t, i.roles)
	assert.Zero(t, k.count("CreateCluster"))
}

func TestApplyCluster_Resize(t *testing.T) {
	k := newFakeEKS()
	p := newTestProvider(newFakeEC2(), k, newFakeIAM())
	ctx := context.Background()

	created, err := p.Apply(ctx, &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: clusterInputs()})
	require.NoError(t, err)

	in := clusterInputs()
	in["desiredCapacity"] = float64(3)
	in["maxSize"] = float64(4)
	updated, err := p.Apply(ctx, &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: in, Prior: created.Outputs})
	require.NoError(t, err)

	require.NotNil(t, k.resized)
	assert.Equal(t, int32(3), *k.resized.DesiredSize)
	assert.Equal(t, int32(4), *k.resized.MaxSize)
	assert.Equal(t, float64(3), updated.Outputs["desiredCapacity"])
	assert.Equal(t, created.Outputs["endpoint"], updated.Outputs["endpoint"])
	assert.Equal(t, 1, k.count("CreateCluster"))
}

func TestApplyCluster_UnchangedScalingSkipsUpdate(t *testing.T) {
	k := newFakeEKS()
	p := newTestProvider(newFakeEC2(), k, newFakeIAM())
	ctx := context.Background()

	created, err := p.Apply(ctx, &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: clusterInputs()})
	require.NoError(t, err)

	in := clusterInputs()
	in["tags"] = map[string]any{"project": "demo", "owner": "ops"}
	updated, err := p.Apply(ctx, &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: in, Prior: created.Outputs})
	require.NoError(t, err)
	assert.Zero(t, k.count("UpdateNodegroupConfig"))
	assert.Equal(t, map[string]any{"project": "demo", "owner": "ops"}, updated.Outputs["tags"])
}

func TestApplyCluster_ImmutableChange(t *testing.T) {
	p := newTestProvider(newFakeEC2(), newFakeEKS(), newFakeIAM())
	ctx := context.Background()

	created, err := p.Apply(ctx, &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: clusterInputs()})
	require.NoError(t, err)

	in := clusterInputs()
	in["instanceType"] = "m5.large"
	_, err = p.Apply(ctx, &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: in, Prior: created.Outputs})
	assert.ErrorContains(t, err, "instanceType")
	assert.ErrorContains(t, err, "cannot change in place")
}

func TestDeleteCluster(t *testing.T) {
	k, i := newFakeEKS(), newFakeIAM()
	p := newTestProvider(newFakeEC2(), k, i)
	ctx := context.Background()

	created, err := p.Apply(ctx, &provider.ApplyRequest{Type: TypeCluster, Name: "core", Inputs: clusterInputs()})
	require.NoError(t, err)

	req := &provider.DeleteRequest{Type: TypeCluster, Name: "core", Outputs: created.Outputs}
	require.NoError(t, p.Delete(ctx, req))
	assert.Empty(t, k.clusters)
	assert.Empty(t, k.nodegroups)
	assert.Empty(t, i.roles)

	// Everything is gone; a second delete succeeds.
	require.NoError(t, p.Delete(ctx, req))
	assert.Equal(t, 2, k.count("DeleteCluster"))
}
