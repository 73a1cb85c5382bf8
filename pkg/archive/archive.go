// Package archive exports settlement statements to S3-compatible object
// storage. Statements are content-addressed: the object key embeds the
// SHA-256 of the statement body, so re-exporting the same rounds is a no-op
// and a changed statement never overwrites an earlier one.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/paystream/pkg/config"
	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/receipts"
)

// S3API is the slice of the S3 client the exporter needs.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter writes per-stream settlement statements to a bucket.
type Exporter struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

// New builds an exporter on an existing client.
func New(client S3API, bucket, prefix string) *Exporter {
	return &Exporter{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// NewFromConfig builds an exporter from daemon configuration, with an
// optional custom endpoint for MinIO or LocalStack style deployments.
func NewFromConfig(ctx context.Context, cfg config.ArchiveConfig) (*Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "archive.NewFromConfig", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, cfg.Bucket, cfg.Prefix), nil
}

// Statement is the exported document: every recorded round of one stream.
type Statement struct {
	Stream      ledger.ContractID  `json:"stream"`
	GeneratedAt time.Time          `json:"generated_at"`
	Rounds      int                `json:"rounds"`
	Receipts    []receipts.Receipt `json:"receipts"`
}

// ExportStatement uploads a statement covering the given receipts and
// returns the object key. An object with the same content already present
// short-circuits the upload.
func (e *Exporter) ExportStatement(ctx context.Context, stream ledger.ContractID, recs []receipts.Receipt) (string, error) {
	const op = "archive.ExportStatement"
	if stream == "" {
		return "", fault.New(fault.Validation, op, "stream id is required")
	}

	stmt := Statement{
		Stream:      stream,
		GeneratedAt: e.now().UTC(),
		Rounds:      len(recs),
		Receipts:    recs,
	}
	body, err := json.Marshal(stmt)
	if err != nil {
		return "", fault.Wrap(fault.Validation, op, err)
	}

	// GeneratedAt is excluded from the content hash so identical round sets
	// map to one object regardless of when the export ran.
	digest, err := contentDigest(stream, recs)
	if err != nil {
		return "", err
	}
	key := e.prefix + "statements/" + string(stream) + "/" + digest + ".json"

	_, err = e.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, nil
	}

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fault.Wrap(fault.Transient, op, err)
	}
	return key, nil
}

func contentDigest(stream ledger.ContractID, recs []receipts.Receipt) (string, error) {
	raw, err := json.Marshal(struct {
		Stream   ledger.ContractID  `json:"stream"`
		Receipts []receipts.Receipt `json:"receipts"`
	}{Stream: stream, Receipts: recs})
	if err != nil {
		return "", fault.Wrap(fault.Validation, "archive.ExportStatement", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
