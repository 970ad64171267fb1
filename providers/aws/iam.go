package aws

import (
	"context"
	"errors"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

const (
	eksTrustPolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"eks.amazonaws.com"},"Action":"sts:AssumeRole"}]}`
	ec2TrustPolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"ec2.amazonaws.com"},"Action":"sts:AssumeRole"}]}`
)

var (
	clusterPolicies = []string{
		"arn:aws:iam::aws:policy/AmazonEKSClusterPolicy",
	}
	nodePolicies = []string{
		"arn:aws:iam::aws:policy/AmazonEKSWorkerNodePolicy",
		"arn:aws:iam::aws:policy/AmazonEKS_CNI_Policy",
		"arn:aws:iam::aws:policy/AmazonEC2ContainerRegistryReadOnly",
	}
)

// RoleState records a role and the managed policies attached to it.
type RoleState struct {
	Name     string   `json:"name"`
	ARN      string   `json:"arn"`
	Policies []string `json:"policies"`
}

// createRole creates a role trusted by a service and attaches policies. On
// failure the role is removed again.
func (p *Provider) createRole(ctx context.Context, name, trust string, policies []string, tags map[string]string) (*RoleState, error) {
	var iamTags []types.Tag
	for _, t := range ec2Tags(tags) {
		iamTags = append(iamTags, types.Tag{Key: t.Key, Value: t.Value})
	}

	resp, err := p.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 str(name),
		AssumeRolePolicyDocument: str(trust),
		Tags:                     iamTags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create role %s: %w", name, err)
	}

	role := &RoleState{Name: awssdk.ToString(resp.Role.RoleName), ARN: awssdk.ToString(resp.Role.Arn)}
	for _, arn := range policies {
		if _, err := p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  str(role.Name),
			PolicyArn: str(arn),
		}); err != nil {
			err = fmt.Errorf("failed to attach %s to role %s: %w", arn, name, err)
			if derr := p.deleteRole(context.WithoutCancel(ctx), role); derr != nil {
				err = errors.Join(err, derr)
			}
			return nil, err
		}
		role.Policies = append(role.Policies, arn)
	}
	return role, nil
}

// deleteRole detaches the recorded policies and deletes the role. A role
// that no longer exists is not an error.
func (p *Provider) deleteRole(ctx context.Context, role *RoleState) error {
	if role == nil || role.Name == "" {
		return nil
	}
	for _, arn := range role.Policies {
		_, err := p.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  str(role.Name),
			PolicyArn: str(arn),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to detach %s from role %s: %w", arn, role.Name, err)
		}
	}
	if _, err := p.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: str(role.Name)}); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete role %s: %w", role.Name, err)
	}
	return nil
}
