package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

func TestDecodeSQSMessage(t *testing.T) {
	msg := types.Message{
		ReceiptHandle: aws.String("receipt-1"),
		Body:          aws.String(`{"job_id":"job-1","enqueued_at":1700000000000}`),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}
	e, ok := decodeSQSMessage(msg)
	if !ok {
		t.Fatalf("expected message to decode")
	}
	if e.ID != "receipt-1" || e.JobID != "job-1" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Deliveries != 3 || !e.Redelivered {
		t.Fatalf("expected third redelivery, got %+v", e)
	}
	if !e.EnqueuedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected enqueued_at %s", e.EnqueuedAt)
	}

	first, ok := decodeSQSMessage(types.Message{
		ReceiptHandle: aws.String("receipt-2"),
		Body:          aws.String(`{"job_id":"job-2"}`),
	})
	if !ok || first.Deliveries != 1 || first.Redelivered {
		t.Fatalf("expected first delivery, got %+v", first)
	}

	if _, ok := decodeSQSMessage(types.Message{Body: aws.String("not json")}); ok {
		t.Fatalf("expected malformed body to be rejected")
	}
	if _, ok := decodeSQSMessage(types.Message{Body: aws.String(`{"enqueued_at":1}`)}); ok {
		t.Fatalf("expected body without job id to be rejected")
	}
}

func TestQueueDepthSumsVisibleAndInFlight(t *testing.T) {
	depth := queueDepth(map[string]string{
		"ApproximateNumberOfMessages":           "4",
		"ApproximateNumberOfMessagesNotVisible": "2",
	})
	if depth != 6 {
		t.Fatalf("expected depth 6, got %d", depth)
	}
	if queueDepth(nil) != 0 {
		t.Fatalf("expected zero depth for missing attributes")
	}
}

func TestIsLeaseLost(t *testing.T) {
	cases := []struct {
		err  error
		lost bool
	}{
		{nil, false},
		{&types.ReceiptHandleIsInvalid{Message: aws.String("expired")}, true},
		{fmt.Errorf("operation error: %w", &types.MessageNotInflight{}), true},
		{&smithy.GenericAPIError{Code: "AWS.SimpleQueueService.MessageNotInflight"}, true},
		{&smithy.GenericAPIError{Code: "ThrottlingException"}, false},
		{errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tc := range cases {
		if got := isLeaseLost(tc.err); got != tc.lost {
			t.Fatalf("%v: expected lost=%v, got %v", tc.err, tc.lost, got)
		}
	}
}
