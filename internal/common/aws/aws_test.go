package aws

import (
	"context"
	"errors"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSNS struct{ mock.Mock }

func (m *mockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*sns.PublishOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSES struct{ mock.Mock }

func (m *mockSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*ses.SendEmailOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestSNSClient_PublishMessage(t *testing.T) {
	m := new(mockSNS)
	m.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		return awssdk.ToString(in.TopicArn) == "arn:aws:sns:ap-northeast-1:1:batch" &&
			awssdk.ToString(in.Subject) == "vibe-scorer" &&
			awssdk.ToString(in.MessageAttributes["operation"].StringValue) == "vibe-scorer"
	})).Return(&sns.PublishOutput{MessageId: awssdk.String("msg-1")}, nil)

	c := &SNSClient{client: m}
	id, err := c.PublishMessage(context.Background(), "arn:aws:sns:ap-northeast-1:1:batch",
		"vibe-scorer", "2/3 devices processed", map[string]string{"operation": "vibe-scorer"})

	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	m.AssertExpectations(t)
}

func TestSESClient_SendText(t *testing.T) {
	m := new(mockSES)
	m.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *ses.SendEmailInput) bool {
		return awssdk.ToString(in.Source) == "ops@example.com" &&
			len(in.Destination.ToAddresses) == 1 &&
			awssdk.ToString(in.Message.Body.Text.Data) == "body"
	})).Return(nil, errors.New("throttled"))

	c := &SESClient{client: m}
	_, err := c.SendText(context.Background(), "ops@example.com", []string{"a@example.com"}, "subj", "body")

	assert.EqualError(t, err, "throttled")
	m.AssertExpectations(t)
}
