package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

const blobScheme = "s3://"

// ParseBlobPath splits "s3://bucket/key" or "bucket/key" on the first "/".
// Keys may contain further slashes.
func ParseBlobPath(path string) (conditions.BlobLocation, error) {
	rest := strings.TrimPrefix(path, blobScheme)
	if rest == "" {
		return conditions.BlobLocation{}, errorskg.Invalid("document_path", "empty path %q", path)
	}
	bucket, key, found := strings.Cut(rest, "/")
	if !found {
		return conditions.BlobLocation{}, errorskg.Invalid("document_path",
			"invalid path %q: expected 's3://bucket/key' or 'bucket/key'", path)
	}
	if bucket == "" || key == "" {
		return conditions.BlobLocation{}, errorskg.Invalid("document_path",
			"invalid path %q: bucket and key must be non-empty", path)
	}
	return conditions.BlobLocation{Bucket: bucket, Key: key}, nil
}

// OutputDestination builds the result location
// "{bucket}/conditions_output/result_{YYYYmmdd_HHMMSS}_{suffix}.json".
func OutputDestination(bucket string, at time.Time, suffix string) string {
	return fmt.Sprintf("%s/conditions_output/result_%s_%s.json", bucket, at.Format("20060102_150405"), suffix)
}

// shortID returns the first eight hex characters of a random UUID.
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
