package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AWS         AWSConfig         `yaml:"aws"`
	Staging     StagingConfig     `yaml:"staging"`
	Warehouse   WarehouseConfig   `yaml:"warehouse"`
	Transformer TransformerConfig `yaml:"transformer"`
	Stream      StreamConfig      `yaml:"stream"`
	NATS        NATSConfig        `yaml:"nats"`
	Claim       ClaimConfig       `yaml:"claim"`
	Replication ReplicationConfig `yaml:"replication"`
	Seed        SeedConfig        `yaml:"seed"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // Optional: localstack or other compatible endpoint
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

type StagingConfig struct {
	Backend           string      `yaml:"backend"` // s3, minio
	Bucket            string      `yaml:"bucket"`
	UnprocessedPrefix string      `yaml:"unprocessed_prefix"`
	InProgressPrefix  string      `yaml:"in_progress_prefix"`
	ProcessedPrefix   string      `yaml:"processed_prefix"`
	DeleteMarkers     bool        `yaml:"delete_markers"` // Delete empty markers instead of moving them to processed
	PathStyle         bool        `yaml:"path_style"`
	MinIO             MinIOConfig `yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
}

type WarehouseConfig struct {
	Backend           string         `yaml:"backend"` // data-api, postgres
	ClusterIdentifier string         `yaml:"cluster_identifier"`
	EndpointAddress   string         `yaml:"endpoint_address"`
	WorkgroupName     string         `yaml:"workgroup_name"` // Optional: Redshift Serverless
	Database          string         `yaml:"database"`
	DBUser            string         `yaml:"db_user"`
	SecretARN         string         `yaml:"secret_arn"`
	DSN               string         `yaml:"dsn"` // postgres backend only
	Schema            string         `yaml:"schema"`
	Table             string         `yaml:"table"`
	Columns           []ColumnConfig `yaml:"columns"`
	IAMRoleARN        string         `yaml:"iam_role_arn"`
	Poll              PollConfig     `yaml:"poll"`
}

type ColumnConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type PollConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxWait         time.Duration `yaml:"max_wait"`
}

type TransformerConfig struct {
	FloatNumbers bool            `yaml:"float_numbers"` // Emit numbers as float64 instead of exact decimals
	Processor    ProcessorConfig `yaml:"processor"`
}

// ProcessorConfig configures optional row transformations applied before staging
type ProcessorConfig struct {
	Enabled bool       `yaml:"enabled"`
	Script  string     `yaml:"script"` // Path to a JavaScript file exporting a transform function
	Rules   []RuleSpec `yaml:"rules"`
}

type RuleSpec struct {
	Table     string            `yaml:"table"` // Optional: source table name, empty matches every table
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type StreamConfig struct {
	Source          string                `yaml:"source"` // lambda, nats, dynamodb-streams
	NATS            NATSStreamConfig      `yaml:"nats"`
	DynamoDBStreams DynamoDBStreamsConfig `yaml:"dynamodb_streams"`
}

type NATSStreamConfig struct {
	Subject       string        `yaml:"subject"`
	Durable       string        `yaml:"durable"` // JetStream pull consumer shared by every instance
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Workers       int           `yaml:"workers"`
}

type DynamoDBStreamsConfig struct {
	StreamARN    string        `yaml:"stream_arn"`
	IteratorType string        `yaml:"iterator_type"` // LATEST, TRIM_HORIZON
	PollInterval time.Duration `yaml:"poll_interval"`
	Limit        int32         `yaml:"limit"`
	Workers      int           `yaml:"workers"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	NotifySubject string        `yaml:"notify_subject"` // Optional: publish a message per loaded artifact
}

type ClaimConfig struct {
	Backend string        `yaml:"backend"` // local, nats-kv
	Bucket  string        `yaml:"bucket"`
	TTL     time.Duration `yaml:"ttl"` // lock expiry and the age after which an in-progress artifact is recovered
}

type ReplicationConfig struct {
	TaskARN         string      `yaml:"task_arn"`
	ReportRowCounts bool        `yaml:"report_row_counts"`
	Preflight       bool        `yaml:"preflight"`
	Source          MySQLConfig `yaml:"source"`
	TargetTable     string      `yaml:"target_table"` // database.schema.table counted in the warehouse
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

type SeedConfig struct {
	CSVFile string `yaml:"csv_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// LoadConfig reads the YAML file at path, expanding ${VAR} references from the environment
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies defaults
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.setDefaults()
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Staging.Backend == "" {
		c.Staging.Backend = "s3"
	}
	if c.Staging.UnprocessedPrefix == "" {
		c.Staging.UnprocessedPrefix = "unprocessed"
	}
	if c.Staging.InProgressPrefix == "" {
		c.Staging.InProgressPrefix = "in-progress"
	}
	if c.Staging.ProcessedPrefix == "" {
		c.Staging.ProcessedPrefix = "processed"
	}

	if c.Warehouse.Backend == "" {
		c.Warehouse.Backend = "data-api"
	}
	// The cluster name is the first label of the endpoint address
	if c.Warehouse.ClusterIdentifier == "" && c.Warehouse.EndpointAddress != "" {
		c.Warehouse.ClusterIdentifier = strings.SplitN(c.Warehouse.EndpointAddress, ".", 2)[0]
	}
	if len(c.Warehouse.Columns) == 0 {
		c.Warehouse.Columns = DefaultColumns()
	}
	if c.Warehouse.Poll.InitialInterval == 0 {
		c.Warehouse.Poll.InitialInterval = time.Second
	}
	if c.Warehouse.Poll.MaxInterval == 0 {
		c.Warehouse.Poll.MaxInterval = 10 * time.Second
	}
	if c.Warehouse.Poll.Multiplier == 0 {
		c.Warehouse.Poll.Multiplier = 1.5
	}
	if c.Warehouse.Poll.MaxWait == 0 {
		c.Warehouse.Poll.MaxWait = 10 * time.Minute
	}

	if c.Stream.Source == "" {
		c.Stream.Source = "lambda"
	}
	if c.Stream.NATS.Durable == "" {
		c.Stream.NATS.Durable = "cdc-loader"
	}
	if c.Stream.NATS.BatchSize == 0 {
		c.Stream.NATS.BatchSize = 100
	}
	if c.Stream.NATS.FlushInterval == 0 {
		c.Stream.NATS.FlushInterval = 5 * time.Second
	}
	if c.Stream.NATS.Workers == 0 {
		c.Stream.NATS.Workers = 4
	}
	if c.Stream.DynamoDBStreams.IteratorType == "" {
		c.Stream.DynamoDBStreams.IteratorType = "LATEST"
	}
	if c.Stream.DynamoDBStreams.PollInterval == 0 {
		c.Stream.DynamoDBStreams.PollInterval = time.Second
	}
	if c.Stream.DynamoDBStreams.Workers == 0 {
		c.Stream.DynamoDBStreams.Workers = 4
	}

	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Claim.Backend == "" {
		c.Claim.Backend = "local"
	}
	if c.Claim.Bucket == "" {
		c.Claim.Bucket = "cdc_loader_claims"
	}
	if c.Claim.TTL == 0 {
		c.Claim.TTL = 15 * time.Minute
	}

	if c.Replication.Source.Port == 0 {
		c.Replication.Source.Port = 3306
	}
	// DMS lands the source table in a schema named after the source database
	if c.Replication.TargetTable == "" && c.Replication.Source.Database != "" && c.Replication.Source.Table != "" {
		c.Replication.TargetTable = strings.Join([]string{
			c.Warehouse.Database, c.Replication.Source.Database, c.Replication.Source.Table,
		}, ".")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// DefaultColumns is the target table layout used when none is configured
func DefaultColumns() []ColumnConfig {
	return []ColumnConfig{
		{Name: "id", Type: "varchar(30) UNIQUE NOT NULL"},
		{Name: "details", Type: "super"},
		{Name: "price", Type: "float"},
		{Name: "shares", Type: "integer"},
		{Name: "ticker", Type: "varchar(10)"},
		{Name: "ticket", Type: "varchar(10)"},
		{Name: "time", Type: "super"},
	}
}

// ValidateStaging checks the settings every staging reader or writer needs
func (c *Config) ValidateStaging() error {
	var missing []string
	if c.Staging.Bucket == "" {
		missing = append(missing, "staging.bucket")
	}
	switch c.Staging.Backend {
	case "s3":
		if c.AWS.Region == "" {
			missing = append(missing, "aws.region")
		}
	case "minio":
		if c.Staging.MinIO.Endpoint == "" {
			missing = append(missing, "staging.minio.endpoint")
		}
	default:
		return fmt.Errorf("unsupported staging backend: %s", c.Staging.Backend)
	}
	return missingError(missing)
}

// ValidateWarehouse checks the settings needed to issue warehouse statements
func (c *Config) ValidateWarehouse() error {
	var missing []string
	switch c.Warehouse.Backend {
	case "data-api":
		if c.Warehouse.ClusterIdentifier == "" && c.Warehouse.WorkgroupName == "" {
			missing = append(missing, "warehouse.cluster_identifier (or endpoint_address / workgroup_name)")
		}
		if c.Warehouse.Database == "" {
			missing = append(missing, "warehouse.database")
		}
		if c.AWS.Region == "" {
			missing = append(missing, "aws.region")
		}
	case "postgres":
		if c.Warehouse.DSN == "" {
			missing = append(missing, "warehouse.dsn")
		}
	default:
		return fmt.Errorf("unsupported warehouse backend: %s", c.Warehouse.Backend)
	}
	return missingError(missing)
}

// ValidateLoader checks everything the loader command needs
func (c *Config) ValidateLoader() error {
	if err := c.ValidateStaging(); err != nil {
		return err
	}
	if err := c.ValidateWarehouse(); err != nil {
		return err
	}
	var missing []string
	if c.Warehouse.Schema == "" {
		missing = append(missing, "warehouse.schema")
	}
	if c.Warehouse.Table == "" {
		missing = append(missing, "warehouse.table")
	}
	if c.Warehouse.IAMRoleARN == "" {
		missing = append(missing, "warehouse.iam_role_arn")
	}
	switch c.Claim.Backend {
	case "local":
	case "nats-kv":
		if c.NATS.URL == "" {
			missing = append(missing, "nats.url")
		}
	default:
		return fmt.Errorf("unsupported claim backend: %s", c.Claim.Backend)
	}
	if c.Claim.TTL <= c.Warehouse.Poll.MaxWait {
		return fmt.Errorf("claim.ttl (%s) must exceed warehouse.poll.max_wait (%s)", c.Claim.TTL, c.Warehouse.Poll.MaxWait)
	}
	return missingError(missing)
}

// ValidateReplication checks everything the replication command needs
func (c *Config) ValidateReplication() error {
	var missing []string
	if c.Replication.TaskARN == "" {
		missing = append(missing, "replication.task_arn")
	}
	if c.AWS.Region == "" {
		missing = append(missing, "aws.region")
	}
	if c.Replication.ReportRowCounts || c.Replication.Preflight {
		if c.Replication.Source.Host == "" {
			missing = append(missing, "replication.source.host")
		}
		if c.Replication.Source.User == "" {
			missing = append(missing, "replication.source.user")
		}
	}
	if c.Replication.ReportRowCounts {
		if c.Replication.Source.Database == "" {
			missing = append(missing, "replication.source.database")
		}
		if c.Replication.Source.Table == "" {
			missing = append(missing, "replication.source.table")
		}
		if err := c.ValidateWarehouse(); err != nil {
			return err
		}
	}
	return missingError(missing)
}

// ValidateStream checks the settings for the configured stream source
func (c *Config) ValidateStream() error {
	if err := c.ValidateStaging(); err != nil {
		return err
	}
	var missing []string
	switch c.Stream.Source {
	case "lambda":
	case "nats":
		if c.NATS.URL == "" {
			missing = append(missing, "nats.url")
		}
		if c.Stream.NATS.Subject == "" {
			missing = append(missing, "stream.nats.subject")
		}
	case "dynamodb-streams":
		if c.Stream.DynamoDBStreams.StreamARN == "" {
			missing = append(missing, "stream.dynamodb_streams.stream_arn")
		}
	default:
		return fmt.Errorf("unsupported stream source: %s", c.Stream.Source)
	}
	if c.Transformer.Processor.Enabled && c.Transformer.Processor.Script != "" && len(c.Transformer.Processor.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules' in transformer.processor")
	}
	return missingError(missing)
}

// ValidateSeed checks the settings for the CSV import command
func (c *Config) ValidateSeed() error {
	var missing []string
	if c.Seed.CSVFile == "" {
		missing = append(missing, "seed.csv_file")
	}
	if c.Replication.Source.Host == "" {
		missing = append(missing, "replication.source.host")
	}
	if c.Replication.Source.Database == "" {
		missing = append(missing, "replication.source.database")
	}
	if c.Replication.Source.Table == "" {
		missing = append(missing, "replication.source.table")
	}
	return missingError(missing)
}

func missingError(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
}
