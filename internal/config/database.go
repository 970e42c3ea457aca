package config

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	influxdb3 "github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"kobo_connect/pkg/logger"
)

// Database is a backing store connection owned by main.
type Database interface {
	Close() error
	GetType() string
}

// MongoDatabase wraps MongoDB client
type MongoDatabase struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// InfluxDatabase wraps InfluxDB v3 client
type InfluxDatabase struct {
	Client   *influxdb3.Client
	Database string
}

// DynamoDatabase wraps the DynamoDB client and ledger table
type DynamoDatabase struct {
	Client *dynamodb.Client
	Table  string
}

// PostgresDatabase wraps a lib/pq connection pool
type PostgresDatabase struct {
	DB *sql.DB
}

// InitMongo connects to MongoDB and verifies the connection.
func InitMongo(cfg *Config) (*MongoDatabase, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetMaxPoolSize(50).
		SetMinPoolSize(5)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	logger.Infof("MongoDB connected: %s", cfg.MongoDB)

	return &MongoDatabase{
		Client:   client,
		Database: client.Database(cfg.MongoDB),
	}, nil
}

func (m *MongoDatabase) Close() error {
	if m.Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.Client.Disconnect(ctx)
	}
	return nil
}

func (m *MongoDatabase) GetType() string {
	return "mongo"
}

// InitInflux creates the InfluxDB v3 client used for delivery events.
func InitInflux(cfg *Config) (*InfluxDatabase, error) {
	logger.Infof("Initializing InfluxDB connection: url=%s database=%s token=%s",
		cfg.InfluxURL, cfg.InfluxDatabase, maskToken(cfg.InfluxToken))

	clientConfig := influxdb3.ClientConfig{
		Host:     cfg.InfluxURL,
		Database: cfg.InfluxDatabase,
		WriteOptions: &influxdb3.WriteOptions{
			DefaultTags: map[string]string{
				"source":      "kobo_connect",
				"environment": cfg.Environment,
			},
		},
	}

	// InfluxDB 3 Core can run without auth
	if cfg.InfluxToken != "" {
		clientConfig.Token = cfg.InfluxToken
	}

	client, err := influxdb3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("influx client creation failed: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("influx client is nil after creation")
	}

	return &InfluxDatabase{
		Client:   client,
		Database: cfg.InfluxDatabase,
	}, nil
}

func (i *InfluxDatabase) Close() error {
	if i.Client != nil {
		i.Client.Close()
	}
	return nil
}

func (i *InfluxDatabase) GetType() string {
	return "influx"
}

// InitDynamo loads AWS configuration and builds a DynamoDB client.
// AWS_ENDPOINT_URL points the client at localstack or dynamodb-local.
func InitDynamo(ctx context.Context, cfg *Config) (*DynamoDatabase, error) {
	awsConfig, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
		if cfg.AWSEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		}
	})

	logger.Infof("DynamoDB ledger table: %s (region %s)", cfg.DynamoTable, cfg.AWSRegion)
	return &DynamoDatabase{Client: client, Table: cfg.DynamoTable}, nil
}

func (d *DynamoDatabase) Close() error {
	return nil
}

func (d *DynamoDatabase) GetType() string {
	return "dynamodb"
}

// InitPostgres opens and pings a lib/pq connection pool.
func InitPostgres(cfg *Config) (*PostgresDatabase, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	db.SetMaxOpenConns(20)
	return &PostgresDatabase{DB: db}, nil
}

func (p *PostgresDatabase) Close() error {
	if p.DB != nil {
		return p.DB.Close()
	}
	return nil
}

func (p *PostgresDatabase) GetType() string {
	return "postgres"
}

// Helper to mask token in logs
func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
