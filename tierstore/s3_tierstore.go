package tierstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/danthegoodman1/tierdb/part"
	"github.com/danthegoodman1/tierdb/utils"
	s3_pq "github.com/xitongsys/parquet-go-source/s3"
)

type (
	// S3TierStore keeps parts as parquet objects under
	// s3://bucket/prefix/table/partition/partID.parquet, the usual cold
	// tier medium.
	S3TierStore struct {
		bucket   string
		prefix   string
		client   *s3.S3
		uploader *s3manager.Uploader
	}
)

func NewS3TierStore(bucket, prefix string) (*S3TierStore, error) {
	conf := &aws.Config{
		Region:      aws.String(utils.AWS_DEFAULT_REGION),
		Credentials: credentials.NewEnvCredentials(),
	}
	if utils.S3_ENDPOINT != "" {
		conf.Endpoint = aws.String(utils.S3_ENDPOINT)
	}

	sess, err := session.NewSession(conf)
	if err != nil {
		return nil, fmt.Errorf("error making new aws session: %w", err)
	}

	return &S3TierStore{
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (ss *S3TierStore) partKey(table, partitionKey, partID string) string {
	key := fmt.Sprintf("%s/%s/%s.parquet", table, partitionKey, partID)
	if ss.prefix != "" {
		key = ss.prefix + "/" + key
	}
	return key
}

func (ss *S3TierStore) WritePart(ctx context.Context, table, partitionKey string, p part.Part, rows []map[string]any) (part.Part, error) {
	b, err := encodeParquet(rows)
	if err != nil {
		return part.Part{}, fmt.Errorf("error in encodeParquet: %w", err)
	}
	byteLen := b.Len()

	s := time.Now()
	_, err = ss.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(ss.partKey(table, partitionKey, p.ID)),
		Body:   b,
	})
	if err != nil {
		return part.Part{}, fmt.Errorf("error uploading to s3: %w", err)
	}
	logger.Debug().Str("partID", p.ID).Str("partition", partitionKey).Int64("durationNS", time.Since(s).Nanoseconds()).Msg("uploaded part to s3")

	p.Bytes = int64(byteLen)
	return p, nil
}

func (ss *S3TierStore) ReadPart(ctx context.Context, table, partitionKey, partID string) ([]map[string]any, error) {
	fr, err := s3_pq.NewS3FileReaderWithClient(ctx, ss.client, ss.bucket, ss.partKey(table, partitionKey, partID))
	if err != nil {
		return nil, fmt.Errorf("error creating new s3 file reader: %w", err)
	}
	defer fr.Close()

	rows, err := decodeParquet(fr)
	if err != nil {
		return nil, fmt.Errorf("error in decodeParquet for part %s: %w", partID, err)
	}
	return rows, nil
}

func (ss *S3TierStore) DeletePart(ctx context.Context, table, partitionKey, partID string) error {
	_, err := ss.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(ss.partKey(table, partitionKey, partID)),
	})
	if err != nil {
		return fmt.Errorf("error in DeleteObject: %w", err)
	}
	return nil
}

func (ss *S3TierStore) DeletePartition(ctx context.Context, table, partitionKey string) error {
	dirPrefix := fmt.Sprintf("%s/%s/", table, partitionKey)
	if ss.prefix != "" {
		dirPrefix = ss.prefix + "/" + dirPrefix
	}

	var pageErr error
	err := ss.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(ss.bucket),
		Prefix: aws.String(dirPrefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		var objects []*s3.ObjectIdentifier
		for _, obj := range page.Contents {
			objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
		}
		if len(objects) == 0 {
			return true
		}
		_, pageErr = ss.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(ss.bucket),
			Delete: &s3.Delete{Objects: objects},
		})
		return pageErr == nil
	})
	if err != nil {
		return fmt.Errorf("error in ListObjectsV2Pages: %w", err)
	}
	if pageErr != nil {
		return fmt.Errorf("error in DeleteObjects: %w", pageErr)
	}
	return nil
}

func (ss *S3TierStore) Shutdown(_ context.Context) error {
	return nil
}
