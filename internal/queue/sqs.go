package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

// maxWaitSeconds is the SQS long-poll ceiling.
const maxWaitSeconds = 20

// SQSQueue is a JobQueue on an SQS queue. SQS redelivers unacknowledged messages itself
// once their visibility timeout lapses, so Reclaim has nothing to do.
type SQSQueue struct {
	client     *sqs.Client
	queueURL   string
	visibility time.Duration
}

var _ JobQueue = (*SQSQueue)(nil)

func NewSQSQueue(client *sqs.Client, queueURL string, visibility time.Duration) *SQSQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &SQSQueue{client: client, queueURL: queueURL, visibility: visibility}
}

type sqsBody struct {
	JobID      string `json:"job_id"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func (q *SQSQueue) Enqueue(ctx context.Context, jobID string) (string, error) {
	data, err := json.Marshal(sqsBody{JobID: jobID, EnqueuedAt: time.Now().UnixMilli()})
	if err != nil {
		return "", err
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(data)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *SQSQueue) Read(ctx context.Context, _ string, block time.Duration) ([]Entry, error) {
	wait := int32(block / time.Second)
	if wait < 0 {
		wait = 0
	}
	if wait > maxWaitSeconds {
		wait = maxWaitSeconds
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     wait,
		VisibilityTimeout:   int32(q.visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(out.Messages))
	for _, msg := range out.Messages {
		e, ok := decodeSQSMessage(msg)
		if !ok {
			// Unparseable body; drop it so it is not redelivered forever.
			_ = q.Ack(ctx, e)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Reclaim is a no-op: SQS returns timed-out messages through Read.
func (q *SQSQueue) Reclaim(context.Context, string, time.Duration, int) ([]Entry, error) {
	return nil, nil
}

func (q *SQSQueue) Extend(ctx context.Context, _ string, e Entry) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(e.ID),
		VisibilityTimeout: int32(q.visibility / time.Second),
	})
	if isLeaseLost(err) {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if err != nil {
		return fmt.Errorf("change visibility: %w", err)
	}
	return nil
}

// isLeaseLost reports whether SQS rejected the receipt handle, meaning the message was
// redelivered or deleted. Other errors leave the current hold intact.
func isLeaseLost(err error) bool {
	if err == nil {
		return false
	}
	var invalid *types.ReceiptHandleIsInvalid
	var notInflight *types.MessageNotInflight
	if errors.As(err, &invalid) || errors.As(err, &notInflight) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return strings.HasSuffix(code, "ReceiptHandleIsInvalid") || strings.HasSuffix(code, "MessageNotInflight")
	}
	return false
}

func (q *SQSQueue) Ack(ctx context.Context, e Entry) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(e.ID),
	})
	return err
}

func (q *SQSQueue) Depth(ctx context.Context) (int64, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return 0, err
	}
	return queueDepth(out.Attributes), nil
}

func (q *SQSQueue) Ping(ctx context.Context) error {
	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	return err
}

// decodeSQSMessage reports false when the body carries no job id.
func decodeSQSMessage(msg types.Message) (Entry, bool) {
	e := Entry{ID: aws.ToString(msg.ReceiptHandle), Deliveries: 1}
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			e.Deliveries = n
		}
	}
	e.Redelivered = e.Deliveries > 1

	var body sqsBody
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &body); err != nil || body.JobID == "" {
		return e, false
	}
	e.JobID = body.JobID
	if body.EnqueuedAt > 0 {
		e.EnqueuedAt = time.UnixMilli(body.EnqueuedAt).UTC()
	}
	return e, true
}

func queueDepth(attrs map[string]string) int64 {
	var total int64
	for _, name := range []types.QueueAttributeName{
		types.QueueAttributeNameApproximateNumberOfMessages,
		types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
	} {
		if n, err := strconv.ParseInt(attrs[string(name)], 10, 64); err == nil {
			total += n
		}
	}
	return total
}
