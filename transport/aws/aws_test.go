package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ctfreader/transport"
	"github.com/drblury/ctfreader/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()
	assert.Equal(t, transport.AWSCapabilities, transport.GetCapabilities(TransportName))
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func stubLoader(t *testing.T, err error) *int {
	orig := DefaultConfigLoader
	t.Cleanup(func() { DefaultConfigLoader = orig })
	calls := new(int)
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		*calls = len(opts)
		if err != nil {
			return aws.Config{}, err
		}
		return aws.Config{Region: "eu-central-1"}, nil
	}
	return calls
}

func TestLoadConfig(t *testing.T) {
	opts := stubLoader(t, nil)
	cfg, err := LoadConfig(context.Background(), &transporttest.Config{
		AWSRegion:          "us-east-1",
		AWSAccessKeyID:     "AK",
		AWSSecretAccessKey: "SK",
		AWSEndpoint:        "http://localhost:4566",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, *opts, "region and static credentials")
	assert.Equal(t, "us-east-1", cfg.Region)
	require.NotNil(t, cfg.BaseEndpoint)
	assert.Equal(t, "http://localhost:4566", *cfg.BaseEndpoint)

	cfg, err = LoadConfig(context.Background(), &transporttest.Config{AWSAccessKeyID: "AK"})
	require.NoError(t, err)
	assert.Zero(t, *opts, "a lone access key is ignored")
	assert.Equal(t, "eu-central-1", cfg.Region)
	assert.Nil(t, cfg.BaseEndpoint)

	_, err = LoadConfig(context.Background(), &transporttest.Config{AWSEndpoint: "://bad"})
	assert.Error(t, err)

	stubLoader(t, errors.New("no credentials"))
	_, err = LoadConfig(context.Background(), &transporttest.Config{})
	assert.ErrorContains(t, err, "no credentials")
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "ctf-header", TopicName("ctf.header"))
	assert.Equal(t, "ctf-its_raw", TopicName("ctf.its_raw"))
	assert.Equal(t, "a-b-c", TopicName("a/b:c"))
}

func TestTopicResolverSanitises(t *testing.T) {
	inner, err := sns.NewGenerateArnTopicResolver("123456789012", "us-east-1")
	require.NoError(t, err)
	arn, err := TopicResolver{Resolver: inner}.ResolveTopic(context.Background(), "ctf.tfdist")
	require.NoError(t, err)
	assert.Equal(t, sns.TopicArn("arn:aws:sns:us-east-1:123456789012:ctf-tfdist"), arn)

	name, err := queueNameFromTopic(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "ctf-tfdist", name)
}

func TestResolveAccountAndRegion(t *testing.T) {
	log := watermill.NopLogger{}

	acc, region := resolveAccountAndRegion(&transporttest.Config{AWSAccountID: "'123456789012'"}, log, "eu-west-1")
	assert.Equal(t, "123456789012", acc)
	assert.Equal(t, "eu-west-1", region)

	acc, _ = resolveAccountAndRegion(&transporttest.Config{AWSEndpoint: "http://localhost:4566"}, log, "")
	assert.Equal(t, localstackAccountID, acc)

	acc, _ = resolveAccountAndRegion(&transporttest.Config{AWSAccountID: "42", AWSEndpoint: "http://localhost:4566"}, log, "")
	assert.Equal(t, localstackAccountID, acc)
}

func TestEndpointOptions(t *testing.T) {
	snsOpts, sqsOpts, err := endpointOptions(aws.Config{})
	require.NoError(t, err)
	assert.Nil(t, snsOpts)
	assert.Nil(t, sqsOpts)

	snsOpts, sqsOpts, err = endpointOptions(aws.Config{BaseEndpoint: aws.String("http://localhost:4566")})
	require.NoError(t, err)
	assert.Len(t, snsOpts, 1)
	assert.Len(t, sqsOpts, 1)
}

func TestBuild(t *testing.T) {
	stubLoader(t, nil)
	origPub, origSub := PublisherFactory, SubscriberFactory
	defer func() { PublisherFactory, SubscriberFactory = origPub, origSub }()

	mockPub := &transporttest.Publisher{}
	mockSub := &transporttest.Subscriber{}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		_, ok := cfg.TopicResolver.(TopicResolver)
		assert.True(t, ok)
		assert.Len(t, cfg.OptFns, 1)
		return mockPub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.NotNil(t, cfg.GenerateSqsQueueName)
		assert.Len(t, sqsCfg.OptFns, 1)
		return mockSub, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{
		AWSRegion: "us-east-1", AWSEndpoint: "http://localhost:4566",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, mockPub, tr.Publisher)
	assert.Same(t, mockSub, tr.Subscriber)

	SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	assert.False(t, mockPub.Closed)
	_, err = Build(context.Background(), &transporttest.Config{
		AWSRegion: "us-east-1", AWSAccountID: "123456789012", AWSEndpoint: "http://localhost:4566",
	}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
	assert.True(t, mockPub.Closed)
}
