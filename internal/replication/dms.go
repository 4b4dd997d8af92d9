package replication

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	dms "github.com/aws/aws-sdk-go-v2/service/databasemigrationservice"
	dmstypes "github.com/aws/aws-sdk-go-v2/service/databasemigrationservice/types"
)

// DMSAPI is the subset of the DMS client used here
type DMSAPI interface {
	DescribeReplicationTasks(ctx context.Context, params *dms.DescribeReplicationTasksInput, optFns ...func(*dms.Options)) (*dms.DescribeReplicationTasksOutput, error)
	StartReplicationTask(ctx context.Context, params *dms.StartReplicationTaskInput, optFns ...func(*dms.Options)) (*dms.StartReplicationTaskOutput, error)
}

// DMS is a TaskService backed by AWS Database Migration Service
type DMS struct {
	client DMSAPI
}

// NewDMS creates a DMS client from the shared aws config
func NewDMS(awsCfg aws.Config) *DMS {
	return &DMS{client: dms.NewFromConfig(awsCfg)}
}

// NewDMSWithClient wraps an existing client
func NewDMSWithClient(client DMSAPI) *DMS {
	return &DMS{client: client}
}

// Describe returns every task matching taskARN, following pagination markers
func (d *DMS) Describe(ctx context.Context, taskARN string) ([]Task, error) {
	input := &dms.DescribeReplicationTasksInput{
		Filters: []dmstypes.Filter{{
			Name:   aws.String("replication-task-arn"),
			Values: []string{taskARN},
		}},
		WithoutSettings: aws.Bool(true),
	}

	var tasks []Task
	for {
		out, err := d.client.DescribeReplicationTasks(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, t := range out.ReplicationTasks {
			tasks = append(tasks, Task{ARN: aws.ToString(t.ReplicationTaskArn), Status: aws.ToString(t.Status)})
		}
		if out.Marker == nil {
			return tasks, nil
		}
		input.Marker = out.Marker
	}
}

// Start issues a start-replication request for taskARN
func (d *DMS) Start(ctx context.Context, taskARN string) (Ack, error) {
	out, err := d.client.StartReplicationTask(ctx, &dms.StartReplicationTaskInput{
		ReplicationTaskArn:       aws.String(taskARN),
		StartReplicationTaskType: dmstypes.StartReplicationTaskTypeValueStartReplication,
	})
	if err != nil {
		return Ack{}, err
	}

	ack := Ack{TaskARN: taskARN}
	if out.ReplicationTask != nil {
		ack.Status = aws.ToString(out.ReplicationTask.Status)
	}
	return ack, nil
}
