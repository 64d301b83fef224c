package instances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// EC2API is the subset of the EC2 client used by EC2Provider. *ec2.Client
// satisfies it, and it satisfies ec2.DescribeInstancesAPIClient for the
// paginator and waiters.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// AWSOptions selects credentials and region for the AWS clients.
type AWSOptions struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
}

// LoadAWSConfig builds an aws.Config from the default credential chain,
// narrowed by the given options.
func LoadAWSConfig(ctx context.Context, opts AWSOptions) (aws.Config, error) {
	var loadOpts []func(*config.LoadOptions) error

	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"",
		)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		return aws.Config{}, errors.New("load aws config: no region configured; set aws.region or AWS_REGION")
	}
	return cfg, nil
}

// EC2Options tunes the EC2 waiters.
type EC2Options struct {
	// WaitTimeout bounds each wait for running or stopped.
	WaitTimeout time.Duration
	// MinDelay and MaxDelay override the waiter polling interval when non-zero.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// EC2Provider implements Provider on top of the EC2 API.
type EC2Provider struct {
	api    EC2API
	opts   EC2Options
	logger zerolog.Logger
}

// NewEC2Provider creates a provider for the given EC2 client.
func NewEC2Provider(api EC2API, opts EC2Options, logger zerolog.Logger) *EC2Provider {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Minute
	}
	return &EC2Provider{
		api:    api,
		opts:   opts,
		logger: logger.With().Str("component", "ec2_provider").Logger(),
	}
}

// NewEC2ProviderFromConfig creates a provider with a real EC2 client.
func NewEC2ProviderFromConfig(cfg aws.Config, opts EC2Options, logger zerolog.Logger) *EC2Provider {
	return NewEC2Provider(ec2.NewFromConfig(cfg), opts, logger)
}

// FindByNameTag implements Provider.
func (p *EC2Provider) FindByNameTag(ctx context.Context, tag string) ([]Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:Name"),
				Values: []string{tag},
			},
			{
				Name: aws.String("instance-state-name"),
				Values: []string{
					string(types.InstanceStateNameRunning),
					string(types.InstanceStateNameStopped),
				},
			},
		},
	}

	var found []Instance
	paginator := ec2.NewDescribeInstancesPaginator(p.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances for tag %q: %w", tag, err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				found = append(found, fromEC2(inst))
			}
		}
	}

	p.logger.Debug().Str("tag", tag).Int("count", len(found)).Msg("described instances")
	return found, nil
}

// Describe implements Provider.
func (p *EC2Provider) Describe(ctx context.Context, id string) (Instance, error) {
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if APIErrorCode(err) == "InvalidInstanceID.NotFound" {
			return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return Instance{}, fmt.Errorf("describe instance %s: %w", id, err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == id {
				return fromEC2(inst), nil
			}
		}
	}
	return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
}

// Start implements Provider.
func (p *EC2Provider) Start(ctx context.Context, id string) error {
	out, err := p.api.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("%w: start %s: %w", ErrPowerTransition, id, err)
	}

	for _, change := range out.StartingInstances {
		p.logger.Debug().
			Str("instance", aws.ToString(change.InstanceId)).
			Str("from", stateName(change.PreviousState)).
			Str("to", stateName(change.CurrentState)).
			Msg("start requested")
	}
	return nil
}

// Stop implements Provider.
func (p *EC2Provider) Stop(ctx context.Context, id string) error {
	out, err := p.api.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("%w: stop %s: %w", ErrPowerTransition, id, err)
	}

	for _, change := range out.StoppingInstances {
		p.logger.Debug().
			Str("instance", aws.ToString(change.InstanceId)).
			Str("from", stateName(change.PreviousState)).
			Str("to", stateName(change.CurrentState)).
			Msg("stop requested")
	}
	return nil
}

// WaitUntilRunning implements Provider.
func (p *EC2Provider) WaitUntilRunning(ctx context.Context, id string) error {
	waiter := ec2.NewInstanceRunningWaiter(p.api, func(o *ec2.InstanceRunningWaiterOptions) {
		if p.opts.MinDelay > 0 {
			o.MinDelay = p.opts.MinDelay
		}
		if p.opts.MaxDelay > 0 {
			o.MaxDelay = p.opts.MaxDelay
		}
	})

	input := &ec2.DescribeInstancesInput{InstanceIds: []string{id}}
	if err := waiter.Wait(ctx, input, p.opts.WaitTimeout); err != nil {
		return fmt.Errorf("%w: wait for %s running: %w", ErrPowerTransition, id, err)
	}
	return nil
}

// WaitUntilStopped implements Provider.
func (p *EC2Provider) WaitUntilStopped(ctx context.Context, id string) error {
	waiter := ec2.NewInstanceStoppedWaiter(p.api, func(o *ec2.InstanceStoppedWaiterOptions) {
		if p.opts.MinDelay > 0 {
			o.MinDelay = p.opts.MinDelay
		}
		if p.opts.MaxDelay > 0 {
			o.MaxDelay = p.opts.MaxDelay
		}
	})

	input := &ec2.DescribeInstancesInput{InstanceIds: []string{id}}
	if err := waiter.Wait(ctx, input, p.opts.WaitTimeout); err != nil {
		return fmt.Errorf("%w: wait for %s stopped: %w", ErrPowerTransition, id, err)
	}
	return nil
}

// APIErrorCode returns the AWS error code carried by err, or "" if there is none.
func APIErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func fromEC2(inst types.Instance) Instance {
	out := Instance{
		ID:        aws.ToString(inst.InstanceId),
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
		KeyName:   aws.ToString(inst.KeyName),
		State:     State(stateName(inst.State)),
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			out.Name = aws.ToString(tag.Value)
			break
		}
	}
	return out
}

func stateName(s *types.InstanceState) string {
	if s == nil {
		return ""
	}
	return string(s.Name)
}
