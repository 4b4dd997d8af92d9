package warehouse

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	rstypes "github.com/aws/aws-sdk-go-v2/service/redshiftdata/types"

	"cdc-loader/internal/config"
)

// DataAPIClient is the subset of the Redshift Data API client used by DataAPI
type DataAPIClient interface {
	ExecuteStatement(ctx context.Context, params *redshiftdata.ExecuteStatementInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.ExecuteStatementOutput, error)
	DescribeStatement(ctx context.Context, params *redshiftdata.DescribeStatementInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.DescribeStatementOutput, error)
	GetStatementResult(ctx context.Context, params *redshiftdata.GetStatementResultInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.GetStatementResultOutput, error)
}

// DataAPI runs statements through the Redshift Data API
type DataAPI struct {
	client DataAPIClient
	cfg    config.WarehouseConfig
}

// NewDataAPI creates a Data API warehouse from the shared aws config
func NewDataAPI(awsCfg aws.Config, cfg config.WarehouseConfig) *DataAPI {
	return NewDataAPIWithClient(redshiftdata.NewFromConfig(awsCfg), cfg)
}

// NewDataAPIWithClient wraps an existing Data API client
func NewDataAPIWithClient(client DataAPIClient, cfg config.WarehouseConfig) *DataAPI {
	return &DataAPI{client: client, cfg: cfg}
}

func (d *DataAPI) ExecuteStatement(ctx context.Context, sql string) (string, error) {
	input := &redshiftdata.ExecuteStatementInput{
		Sql:      aws.String(sql),
		Database: aws.String(d.cfg.Database),
	}
	if d.cfg.WorkgroupName != "" {
		input.WorkgroupName = aws.String(d.cfg.WorkgroupName)
	} else {
		input.ClusterIdentifier = aws.String(d.cfg.ClusterIdentifier)
	}
	if d.cfg.SecretARN != "" {
		input.SecretArn = aws.String(d.cfg.SecretARN)
	} else if d.cfg.DBUser != "" {
		input.DbUser = aws.String(d.cfg.DBUser)
	}

	out, err := d.client.ExecuteStatement(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Id), nil
}

func (d *DataAPI) DescribeStatement(ctx context.Context, id string) (Description, error) {
	out, err := d.client.DescribeStatement(ctx, &redshiftdata.DescribeStatementInput{Id: aws.String(id)})
	if err != nil {
		return Description{}, err
	}
	return Description{
		Status: normalizeStatus(string(out.Status)),
		Error:  aws.ToString(out.Error),
	}, nil
}

func (d *DataAPI) GetResult(ctx context.Context, id string) (Result, error) {
	var result Result
	var token *string
	for {
		out, err := d.client.GetStatementResult(ctx, &redshiftdata.GetStatementResultInput{
			Id:        aws.String(id),
			NextToken: token,
		})
		if err != nil {
			return Result{}, err
		}
		for _, record := range out.Records {
			row := make([]any, len(record))
			for i, field := range record {
				v, err := fieldValue(field)
				if err != nil {
					return Result{}, err
				}
				row[i] = v
			}
			result.Rows = append(result.Rows, row)
		}
		if out.NextToken == nil {
			return result, nil
		}
		token = out.NextToken
	}
}

func fieldValue(field rstypes.Field) (any, error) {
	switch f := field.(type) {
	case *rstypes.FieldMemberLongValue:
		return f.Value, nil
	case *rstypes.FieldMemberDoubleValue:
		return f.Value, nil
	case *rstypes.FieldMemberStringValue:
		return f.Value, nil
	case *rstypes.FieldMemberBooleanValue:
		return f.Value, nil
	case *rstypes.FieldMemberIsNull:
		return nil, nil
	case *rstypes.FieldMemberBlobValue:
		return string(f.Value), nil
	}
	return nil, fmt.Errorf("unsupported result field %T", field)
}
