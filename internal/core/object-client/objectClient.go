package objectclient

import (
	"errors"
	"io/fs"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
)

// classifyS3 maps S3 API errors onto the retry taxonomy. A missing key right
// after an upload event is usually replication lag, so it is a storage
// consistency failure rather than a validation one.
func classifyS3(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return retry.New(retry.ClassStorageConsistency, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return retry.New(retry.ClassStorageConsistency, err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			return retry.New(retry.ClassRateLimited, err)
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			return retry.New(retry.ClassTransient, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return retry.New(retry.ClassSystem, err)
		}
	}
	return err
}

// classifyFS maps local filesystem errors onto the retry taxonomy.
func classifyFS(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return retry.New(retry.ClassStorageConsistency, err)
	}
	return err
}
