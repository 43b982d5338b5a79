package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// MaxBatchSize is the largest number of entries SQS accepts in one batch call
// and the largest number of messages returned by one receive call.
const MaxBatchSize = 10

// ErrTooManyEntries is returned when a batch call is given more than
// MaxBatchSize entries.
var ErrTooManyEntries = errors.New("source: too many batch entries")

// ReceiveRequest bounds a single ReceiveMessages call.
type ReceiveRequest struct {
	MaxMessages       int32
	VisibilityTimeout int32
	WaitTime          int32
}

func (r ReceiveRequest) validate() error {
	if r.MaxMessages < 1 || r.MaxMessages > MaxBatchSize {
		return fmt.Errorf("source: max messages must be between 1 and %d, got %d", MaxBatchSize, r.MaxMessages)
	}
	if r.WaitTime < 0 || r.WaitTime > 20 {
		return fmt.Errorf("source: wait time seconds must be between 0 and 20, got %d", r.WaitTime)
	}
	if r.VisibilityTimeout < 0 || r.VisibilityTimeout > 43200 {
		return fmt.Errorf("source: visibility timeout seconds must be between 0 and 43200, got %d", r.VisibilityTimeout)
	}
	return nil
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type idleCloser interface {
	CloseIdleConnections()
}

// SQS adapts the AWS SDK client to the queue operations the ingestor needs.
//
// It is stateless apart from the SDK client and safe for concurrent use by
// every worker of every queue that shares the same credentials.
type SQS struct {
	client sqsAPI
	http   idleCloser
}

// NewSQS wraps client. It panics if client is nil.
func NewSQS(client sqsAPI) *SQS {
	if client == nil {
		panic("sqs client is required")
	}
	s := &SQS{client: client}
	if c, ok := client.(*sqs.Client); ok {
		if ic, ok := c.Options().HTTPClient.(idleCloser); ok {
			s.http = ic
		}
	}
	return s
}

// ReceiveMessages long-polls queueURL for up to req.MaxMessages messages,
// requesting every system and custom attribute.
func (s *SQS) ReceiveMessages(ctx context.Context, queueURL string, req ReceiveRequest) ([]Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   req.MaxMessages,
		WaitTimeSeconds:       req.WaitTime,
		VisibilityTimeout:     req.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages from %s: %w", queueURL, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for i := range out.Messages {
		msgs = append(msgs, fromSQS(&out.Messages[i]))
	}
	return msgs, nil
}

// ChangeMessageVisibility sets the visibility timeout of one in-flight
// message to timeoutSeconds from now.
func (s *SQS) ChangeMessageVisibility(ctx context.Context, queueURL, receiptHandle string, timeoutSeconds int32) error {
	_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("change message visibility on %s: %w", queueURL, err)
	}
	return nil
}

// DeleteMessageBatch deletes up to MaxBatchSize messages in one call and
// reports which entries succeeded and which failed.
func (s *SQS) DeleteMessageBatch(ctx context.Context, queueURL string, entries []DeleteEntry) (DeleteResult, error) {
	var res DeleteResult
	if len(entries) == 0 {
		return res, nil
	}
	if len(entries) > MaxBatchSize {
		return res, fmt.Errorf("%w: %d", ErrTooManyEntries, len(entries))
	}

	// Build the entries directly from stable backing arrays instead of
	// allocating through aws.String.
	var ids [MaxBatchSize]string
	var rhs [MaxBatchSize]string
	reqEntries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, len(entries))
	for k, e := range entries {
		ids[k] = e.ID
		rhs[k] = e.ReceiptHandle
		reqEntries = append(reqEntries, sqstypes.DeleteMessageBatchRequestEntry{Id: &ids[k], ReceiptHandle: &rhs[k]})
	}

	out, err := s.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(queueURL),
		Entries:  reqEntries,
	})
	if err != nil {
		return res, fmt.Errorf("delete message batch on %s: %w", queueURL, err)
	}

	for _, ok := range out.Successful {
		res.Successful = append(res.Successful, aws.ToString(ok.Id))
	}
	for _, f := range out.Failed {
		res.Failed = append(res.Failed, aws.ToString(f.Id))
	}
	return res, nil
}

// Close releases idle connections held by the underlying HTTP client.
func (s *SQS) Close() error {
	if s.http != nil {
		s.http.CloseIdleConnections()
	}
	return nil
}

func fromSQS(m *sqstypes.Message) Message {
	id := aws.ToString(m.MessageId)
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	out := Message{
		ID:            id,
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          aws.ToString(m.Body),
		Attributes:    make(map[string]string, len(m.Attributes)),
	}
	for k, v := range m.Attributes {
		out.Attributes[k] = v
	}
	if len(m.MessageAttributes) > 0 {
		out.MessageAttributes = make(map[string]MessageAttribute, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			out.MessageAttributes[k] = MessageAttribute{
				DataType:    aws.ToString(v.DataType),
				StringValue: aws.ToString(v.StringValue),
				BinaryValue: v.BinaryValue,
			}
		}
	}
	return out
}
