package discovery

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// RetryScheduler schedules a single deferred connect-retry for a peer.
// The default Loop behavior retries in-process; CloudTasksScheduler makes
// retries durable across process restarts by enqueuing them on a Cloud
// Tasks queue that calls back into RetryHandler.
type RetryScheduler interface {
	Schedule(ctx context.Context, delay time.Duration, nodeID string) error
}

// CloudTasksScheduler enqueues peer-connect retries as Cloud Tasks HTTP
// tasks targeting this node's own RetryHandler endpoint, patterned after
// the teacher's webhook CloudDispatcher (durable, at-least-once delivery
// with queue-level backoff).
type CloudTasksScheduler struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	logger    *log.Logger
}

// NewCloudTasksScheduler constructs a scheduler against a Cloud Tasks
// queue. targetURL is this node's publicly reachable retry endpoint, e.g.
// "https://connector.example.com/internal/discovery/retry".
func NewCloudTasksScheduler(ctx context.Context, projectID, locationID, queueID, targetURL string) (*CloudTasksScheduler, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: cloudtasks.NewClient: %w", err)
	}
	return &CloudTasksScheduler{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetURL,
		logger:    log.New(log.Writer(), "[DISCOVERY-CLOUDTASKS] ", log.LstdFlags),
	}, nil
}

// Schedule enqueues an HTTP GET to the retry endpoint, delayed by delay,
// carrying nodeId as a query parameter.
func (s *CloudTasksScheduler) Schedule(ctx context.Context, delay time.Duration, nodeID string) error {
	target := s.targetURL + "?nodeId=" + url.QueryEscape(nodeID)

	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			ScheduleTime: timestamppb.New(time.Now().Add(delay)),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_GET,
					Url:        target,
				},
			},
		},
	}

	task, err := s.client.CreateTask(ctx, req)
	if err != nil {
		return fmt.Errorf("discovery: enqueue retry task for %s: %w", nodeID, err)
	}
	s.logger.Printf("scheduled retry for %s: %s", nodeID, task.GetName())
	return nil
}

// Close releases the underlying Cloud Tasks client.
func (s *CloudTasksScheduler) Close() error {
	return s.client.Close()
}
