package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/oriys/vbrowserpool/internal/domain"
)

// EC2Config configures the EC2-backed adapter.
type EC2Config struct {
	Region            string
	ImageID           string
	InstanceType      string
	LargeInstanceType string
	SecurityGroupIDs  []string
	SubnetID          string
	TagPrefix         string
	Size              int
	LargeSize         int
	MinRetries        int
}

// EC2Adapter implements Adapter on top of the AWS EC2 API. It is the
// concrete, replaceable edge mentioned in the controller's design: the
// rest of the pool controller never imports this package's types.
type EC2Adapter struct {
	client *ec2.Client
	cfg    EC2Config
}

// NewEC2Adapter builds an EC2Adapter using the default AWS credential
// chain (environment, shared config, IMDS) resolved for cfg.Region.
func NewEC2Adapter(ctx context.Context, cfg EC2Config) (*EC2Adapter, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("ec2 adapter: region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("ec2 adapter: load aws config: %w", err)
	}
	return &EC2Adapter{
		client: ec2.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

func (a *EC2Adapter) Size() int       { return a.cfg.Size }
func (a *EC2Adapter) LargeSize() int  { return a.cfg.LargeSize }
func (a *EC2Adapter) MinRetries() int { return a.cfg.MinRetries }

// StartVM provisions a new instance tagged with the pool's tag. name is
// used only as the Name tag; the initial password is a separate random
// value stored in the vbrowserpool:pass tag, which RebootVM replaces
// with a fresh value. No user-data is set.
func (a *EC2Adapter) StartVM(ctx context.Context, pool, name string, large bool, region string) (string, error) {
	instanceType := a.cfg.InstanceType
	if large {
		instanceType = a.cfg.LargeInstanceType
	}
	tag := domain.TagPrefix(a.cfg.TagPrefix, region, large)
	pass := uuid.NewString()

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(a.cfg.ImageID),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		SubnetId:     aws.String(a.cfg.SubnetID),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(name)},
					{Key: aws.String("vbrowserpool:pool"), Value: aws.String(pool)},
					{Key: aws.String("vbrowserpool:tag"), Value: aws.String(tag)},
					{Key: aws.String("vbrowserpool:pass"), Value: aws.String(pass)},
				},
			},
		},
	}
	if len(a.cfg.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = a.cfg.SecurityGroupIDs
	}

	out, err := a.client.RunInstances(ctx, in)
	if err != nil {
		return "", fmt.Errorf("ec2 RunInstances: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("ec2 RunInstances: no instances returned")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (a *EC2Adapter) TerminateVM(ctx context.Context, vmid string) error {
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{vmid},
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("ec2 TerminateInstances: %w", err)
	}
	return nil
}

// RebootVM rotates the stored password tag and issues a reboot. EC2 does
// not regenerate credentials on reboot; the new password only takes
// effect once whatever boots inside the VM re-reads the tag, which is
// the contract this adapter preserves with the caller.
func (a *EC2Adapter) RebootVM(ctx context.Context, vmid string) error {
	pass := uuid.NewString()
	_, err := a.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{vmid},
		Tags: []types.Tag{
			{Key: aws.String("vbrowserpool:pass"), Value: aws.String(pass)},
		},
	})
	if err != nil {
		return fmt.Errorf("ec2 CreateTags: %w", err)
	}
	if _, err := a.client.RebootInstances(ctx, &ec2.RebootInstancesInput{
		InstanceIds: []string{vmid},
	}); err != nil {
		return fmt.Errorf("ec2 RebootInstances: %w", err)
	}
	return nil
}

func (a *EC2Adapter) PowerOn(ctx context.Context, vmid string) error {
	_, err := a.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{vmid}})
	if err != nil {
		return fmt.Errorf("ec2 StartInstances: %w", err)
	}
	return nil
}

// AttachToNetwork is a historical recovery hook; EC2 instances keep their
// primary ENI for their lifetime, so there is nothing to reattach. It is
// kept as a no-op to preserve the Adapter contract for providers that do
// need it.
func (a *EC2Adapter) AttachToNetwork(ctx context.Context, vmid string) error {
	return nil
}

func (a *EC2Adapter) GetVM(ctx context.Context, vmid string) (*domain.Descriptor, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{vmid},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("ec2 DescribeInstances %s: %w", vmid, ErrNotFound)
		}
		return nil, fmt.Errorf("ec2 DescribeInstances: %w", err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			return descriptorFromInstance(inst), nil
		}
	}
	return nil, fmt.Errorf("ec2 DescribeInstances %s: %w", vmid, ErrNotFound)
}

func (a *EC2Adapter) ListVMs(ctx context.Context, tagFilter string) ([]domain.Descriptor, error) {
	var descriptors []domain.Descriptor
	var nextToken *string
	for {
		out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []types.Filter{
				{Name: aws.String("tag:vbrowserpool:tag"), Values: []string{tagFilter}},
				{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("ec2 DescribeInstances (list): %w", err)
		}
		for _, r := range out.Reservations {
			for _, inst := range r.Instances {
				if d := descriptorFromInstance(inst); d != nil {
					descriptors = append(descriptors, *d)
				}
			}
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return descriptors, nil
}

func (a *EC2Adapter) UpdateSnapshot(ctx context.Context) (string, error) {
	return "", fmt.Errorf("ec2 adapter: UpdateSnapshot not configured")
}

func descriptorFromInstance(inst types.Instance) *domain.Descriptor {
	if inst.PrivateIpAddress == nil {
		return nil
	}
	tags := make(map[string]string, len(inst.Tags))
	var pass string
	large := false
	for _, t := range inst.Tags {
		k, v := aws.ToString(t.Key), aws.ToString(t.Value)
		tags[k] = v
		if k == "vbrowserpool:pass" {
			pass = v
		}
	}
	return &domain.Descriptor{
		ID:            aws.ToString(inst.InstanceId),
		Pass:          pass,
		Host:          aws.ToString(inst.PrivateIpAddress),
		PrivateIP:     aws.ToString(inst.PrivateIpAddress),
		ProviderState: string(inst.State.Name),
		Tags:          tags,
		CreationDate:  aws.ToTime(inst.LaunchTime),
		Provider:      "aws",
		Large:         large,
	}
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
			return true
		}
	}
	return false
}
