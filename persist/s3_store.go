package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/cardvault/internal/logging"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements Store on an S3-compatible bucket. The object layout
// mirrors the filesystem layout, with the key prefix playing the root:
//
//	bucket/
//	└── [keyPrefix/]
//	    ├── vault_<user id>/passwords.vault
//	    └── vault_<user id>/passwords.vault
//
// Versions are object ETags; conditional writes make Save fail with a
// ConcurrencyError when the object changed since it was read.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// NewS3Store connects to the endpoint and makes sure the bucket exists
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("%w: S3 bucket is required", ErrNotConfigured)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// Resolve returns the object prefix of the user's vault. Object stores
// have no directories to create.
func (s3s *S3Store) Resolve(userID string) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	return s3s.buildPath(UserDirName(userID)), nil
}

// ListUsers lists the user prefixes directly under the key prefix
func (s3s *S3Store) ListUsers() ([]string, error) {
	basePrefix := s3s.keyPrefix
	if basePrefix != "" {
		basePrefix += "/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    basePrefix,
		Recursive: false,
	})

	users := []string{}
	seen := make(map[string]bool)
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}

		name := strings.Trim(strings.TrimPrefix(object.Key, basePrefix), "/")
		if id, ok := userIDFromDirName(name); ok && !seen[id] {
			seen[id] = true
			users = append(users, id)
		}
	}

	return users, nil
}

func (s3s *S3Store) Load(userID string) (*VersionedData, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.vaultObjectName(userID)
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, objectName)
		}
		return nil, fmt.Errorf("failed to load vault object: %w", err)
	}
	defer object.Close()

	// GetObject is lazy: a missing key only surfaces on first read
	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, objectName)
		}
		return nil, fmt.Errorf("failed to read vault object: %w", err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get vault object info: %w", err)
	}

	logging.Debugf("loaded %d bytes from s3://%s/%s", len(data), s3s.bucketName, objectName)

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: objectInfo.LastModified,
	}, nil
}

func (s3s *S3Store) Save(userID string, data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("vault data is required")
	}
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.vaultObjectName(userID)
	putOptions := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"User-Id":    userID,
			"Updated-At": time.Now().UTC().Format(time.RFC3339),
		},
	}

	switch expectedVersion {
	case AnyVersion:
	case NoVersion:
		putOptions.SetMatchETagExcept("*")
	default:
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			actual, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   actual,
				UserID:          userID,
			}
		}
		return "", fmt.Errorf("failed to save vault object: %w", err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) Stat(userID string) (*VaultInfo, error) {
	location, err := s3s.Resolve(userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.vaultObjectName(userID)
	info := &VaultInfo{
		UserID:   userID,
		Location: "s3://" + s3s.bucketName + "/" + location,
		File:     objectName,
	}

	// prefixes need no creation, so a missing object is a user without a vault yet
	objectInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return info, nil
		}
		return nil, fmt.Errorf("failed to stat vault object: %w", err)
	}

	info.Exists = true
	info.Size = objectInfo.Size
	info.ModTime = objectInfo.LastModified
	return info, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) buildPath(components ...string) string {
	var parts []string
	if s3s.keyPrefix != "" {
		parts = append(parts, s3s.keyPrefix)
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) vaultObjectName(userID string) string {
	return s3s.buildPath(UserDirName(userID), VaultFileName)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return NoVersion, nil
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
