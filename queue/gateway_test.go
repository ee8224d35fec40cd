package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQSAPI struct {
	createErr error
	lookupErr error
	sendErrs  []error
	sendCalls int
	receiveOut *sqs.ReceiveMessageOutput
	deleteErr error

	lastSendAttrs map[string]types.MessageAttributeValue

	attributesOut *sqs.GetQueueAttributesOutput
	attributesErr error
}

func (f *fakeSQSAPI) CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sqs.CreateQueueOutput{QueueUrl: aws.String("https://sqs.example/" + aws.ToString(params.QueueName))}, nil
}

func (f *fakeSQSAPI) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.example/" + aws.ToString(params.QueueName))}, nil
}

func (f *fakeSQSAPI) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.lastSendAttrs = params.MessageAttributes
	idx := f.sendCalls
	f.sendCalls++
	if idx < len(f.sendErrs) && f.sendErrs[idx] != nil {
		return nil, f.sendErrs[idx]
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQSAPI) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.receiveOut != nil {
		return f.receiveOut, nil
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQSAPI) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQSAPI) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if f.attributesErr != nil {
		return nil, f.attributesErr
	}
	if f.attributesOut != nil {
		return f.attributesOut, nil
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func TestGatewayCreateReturnsRef(t *testing.T) {
	api := &fakeSQSAPI{}
	gw := &SQSGateway{client: api}

	ref, err := gw.Create(context.Background(), "my_queue")
	require.NoError(t, err)
	assert.Equal(t, "my_queue", ref.Name)
	assert.Contains(t, ref.URL, "my_queue")
}

func TestGatewayLookupTranslatesNonExistentQueue(t *testing.T) {
	api := &fakeSQSAPI{lookupErr: &types.QueueDoesNotExist{}}
	gw := &SQSGateway{client: api}

	_, err := gw.Lookup(context.Background(), "missing_queue")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGatewaySendCoercesAttributesToStringDataType(t *testing.T) {
	api := &fakeSQSAPI{}
	gw := &SQSGateway{client: api}

	err := gw.Send(context.Background(), Ref{Name: "q", URL: "https://sqs.example/q"}, `{"a":1}`, map[string]string{"request_id": "abc"})
	require.NoError(t, err)

	require.Contains(t, api.lastSendAttrs, "request_id")
	assert.Equal(t, "String", aws.ToString(api.lastSendAttrs["request_id"].DataType))
	assert.Equal(t, "abc", aws.ToString(api.lastSendAttrs["request_id"].StringValue))
}

func TestGatewaySendRetriesTransientFailures(t *testing.T) {
	api := &fakeSQSAPI{sendErrs: []error{errors.New("throttled"), errors.New("throttled"), nil}}
	gw := &SQSGateway{client: api}

	err := gw.Send(context.Background(), Ref{Name: "q", URL: "https://sqs.example/q"}, "body", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, api.sendCalls)
}

func TestGatewaySendGivesUpAfterMaxAttempts(t *testing.T) {
	api := &fakeSQSAPI{sendErrs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	gw := &SQSGateway{client: api}

	err := gw.Send(context.Background(), Ref{Name: "q", URL: "https://sqs.example/q"}, "body", nil)
	require.Error(t, err)
	assert.Equal(t, 3, api.sendCalls)
}

func TestGatewayReceiveProjectsInboundMessages(t *testing.T) {
	api := &fakeSQSAPI{receiveOut: &sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			{Body: aws.String(`{"task":"x"}`), ReceiptHandle: aws.String("r-1")},
		},
	}}
	gw := &SQSGateway{client: api}

	messages, err := gw.Receive(context.Background(), Ref{Name: "q", URL: "https://sqs.example/q"}, 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, `{"task":"x"}`, messages[0].Body)
	assert.Equal(t, "r-1", messages[0].ReceiptHandle)
}

func TestGatewayApproximateDepthParsesAttribute(t *testing.T) {
	api := &fakeSQSAPI{attributesOut: &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{"ApproximateNumberOfMessages": "42"},
	}}
	gw := &SQSGateway{client: api}

	depth, err := gw.ApproximateDepth(context.Background(), Ref{Name: "q", URL: "https://sqs.example/q"})
	require.NoError(t, err)
	assert.EqualValues(t, 42, depth)
}
