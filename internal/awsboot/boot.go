// Package awsboot loads AWS configuration and the clients the service uses:
// the DynamoDB ledger, the S3 artifact archive and SSM secret resolution.
package awsboot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/lookbook-bot/internal/artifact"
	"github.com/fpang/lookbook-bot/internal/ledger/dynamo"
)

// Clients holds the AWS config and the SSM client.
type Clients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config.
func InitAWS(ctx context.Context) (Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return Clients{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return Clients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}, nil
}

// DynamoLedger creates the DynamoDB ledger store over tableName.
func DynamoLedger(cfg aws.Config, tableName string) *dynamo.Store {
	return dynamo.New(dynamodb.NewFromConfig(cfg), tableName)
}

// S3Archiver creates the artifact archiver, or nil when bucket is empty.
func S3Archiver(cfg aws.Config, bucket string) *artifact.S3Archiver {
	if bucket == "" {
		return nil
	}
	return artifact.NewS3Archiver(s3.NewFromConfig(cfg), bucket, "artifacts")
}

// ParameterAPI is the subset of the SSM client used to read secrets.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Secret is a value that may instead be read from an SSM parameter.
type Secret struct {
	Label string
	Value *string
	Param string
}

// ResolveSecrets fills every empty secret that names an SSM parameter, reading
// it with decryption. Secrets that already have a value are left alone.
func ResolveSecrets(ctx context.Context, api ParameterAPI, secrets ...Secret) error {
	for _, s := range secrets {
		if *s.Value != "" || s.Param == "" {
			continue
		}
		start := time.Now()
		out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(s.Param),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("read %s from SSM %s: %w", s.Label, s.Param, err)
		}
		if out.Parameter == nil || out.Parameter.Value == nil {
			return fmt.Errorf("SSM parameter %s has no value", s.Param)
		}
		*s.Value = *out.Parameter.Value
		log.Debug().Str("param", s.Param).Str("secret", s.Label).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")
	}
	return nil
}

// NeedsSSM reports whether any secret must be fetched.
func NeedsSSM(secrets ...Secret) bool {
	for _, s := range secrets {
		if *s.Value == "" && s.Param != "" {
			return true
		}
	}
	return false
}
