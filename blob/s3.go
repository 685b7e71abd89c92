// Package blob reads evaluation result documents from S3.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
)

const roleSessionName = "conditions-agent-session"

// Config selects the credential source. RoleARN wins over static keys;
// without either the default chain is used.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	RoleARN         string
}

// ObjectGetter is the S3 subset used by S3Reader.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Reader fetches whole objects.
type S3Reader struct {
	client ObjectGetter
	logger *slog.Logger
}

// NewS3Reader builds a reader from Config.
func NewS3Reader(ctx context.Context, cfg Config) (*S3Reader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	logger := logging.WithComponent("blob")

	switch {
	case cfg.RoleARN != "":
		logger.Info("using assumed role credentials", "role_arn", cfg.RoleARN)
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		logger.Info("using static credentials", "session_token", cfg.SessionToken != "")
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	default:
		logger.Info("using default credential chain")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.RoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN,
			func(o *stscreds.AssumeRoleOptions) { o.RoleSessionName = roleSessionName })
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return NewS3ReaderWithClient(s3.NewFromConfig(awsCfg)), nil
}

// NewS3ReaderWithClient wraps an existing client.
func NewS3ReaderWithClient(client ObjectGetter) *S3Reader {
	return &S3Reader{client: client, logger: logging.WithComponent("blob")}
}

// Get returns the object body. A missing key wraps errors.ErrNotFound.
func (r *S3Reader) Get(ctx context.Context, loc conditions.BlobLocation) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if IsNoSuchKey(err) {
			return nil, fmt.Errorf("s3://%s: %w", loc, errorskg.ErrNotFound)
		}
		return nil, fmt.Errorf("get s3://%s: %w", loc, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s: %w", loc, err)
	}
	r.logger.Debug("fetched object", "bucket", loc.Bucket, "key", loc.Key, "bytes", len(body))
	return body, nil
}

// IsNoSuchKey reports whether err is an S3 missing-key error.
func IsNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}
