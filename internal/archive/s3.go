package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

// S3API is the slice of the S3 client the archive uses.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 keeps backups as objects under a bucket prefix.
type S3 struct {
	client S3API
	bucket string
	prefix string
	keep   int
	now    func() time.Time
}

func NewS3(client S3API, bucket, prefix string, opts Options) *S3 {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix, keep: opts.Keep, now: time.Now}
}

// newS3FromURL reads s3://[key:secret@]bucket/prefix?region=..&endpoint=..&keep=..
// Without inline credentials the default AWS chain applies.
func newS3FromURL(u *url.URL, opts Options) (*S3, error) {
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("invalid s3 archive: missing bucket")
	}
	q := u.Query()
	region := q.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	opts.Keep = parseKeep(q.Get("keep"), opts.Keep)

	cfg, err := awscfg.LoadDefaultConfig(context.Background(), awscfg.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load default AWS config")
	}
	endpoint := q.Get("endpoint")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.EndpointResolver = s3.EndpointResolverFromURL(endpoint)
			o.UsePathStyle = true
		}
		if u.User != nil {
			secret, _ := u.User.Password()
			o.Credentials = credentials.NewStaticCredentialsProvider(u.User.Username(), secret, "")
		}
	})
	return NewS3(client, bucket, u.Path, opts), nil
}

func (a *S3) key(object string) string {
	return a.prefix + object
}

func (a *S3) Backup(ctx context.Context, name string, data []byte) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	key := a.key(objectName(name, a.now()))
	uploader := manager.NewUploader(a.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(data),
		ContentType:       aws.String("application/octet-stream"),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32,
	})
	if err != nil {
		return errors.Wrapf(err, "upload backup %s", key)
	}
	return a.prune(ctx, name)
}

func (a *S3) List(ctx context.Context, name string) ([]Entry, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	var out []Entry
	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.key(name + ".")),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list backups")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			taken, ok := parseObjectName(name, path.Base(key))
			if !ok {
				continue
			}
			out = append(out, Entry{Name: name, Key: key, Taken: taken})
		}
	}
	sortEntries(out)
	return out, nil
}

func (a *S3) prune(ctx context.Context, name string) error {
	if a.keep <= 0 {
		return nil
	}
	entries, err := a.List(ctx, name)
	if err != nil {
		return err
	}
	for len(entries) > a.keep {
		if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(entries[0].Key),
		}); err != nil {
			return errors.Wrapf(err, "delete backup %s", entries[0].Key)
		}
		entries = entries[1:]
	}
	return nil
}
