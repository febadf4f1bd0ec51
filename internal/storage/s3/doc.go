/*
Package s3 is the object store client for S3 and S3-compatible services.

Backend implements types.ObjectStore with three calls: Head (HeadObject), GetRange
(ranged GetObject) and List (ListObjectsV2 with a "/" delimiter). Every call goes through
a retry-go based retryer with exponential backoff; the SDK's own retryer is disabled so
attempts are not multiplied. A weighted semaphore bounds concurrent requests.

SDK errors are translated into pkg/errors codes:

	NoSuchKey, NotFound, 404        OBJECT_NOT_FOUND     not retried
	NoSuchBucket                    BUCKET_NOT_FOUND     not retried
	AccessDenied, 403               ACCESS_DENIED        not retried
	5xx, 429, SlowDown              SERVICE_UNAVAILABLE  retried
	send failures, resets           NETWORK_ERROR        retried
	request timeout                 CONNECTION_TIMEOUT   retried

A range starting past the end of the object (416 InvalidRange) returns no bytes.
*/
package s3
