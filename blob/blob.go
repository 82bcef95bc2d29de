// Package blob resolves the opaque object references carried on jobs
// into presigned S3 URLs. The coordination core never dereferences a
// ref; this package exists at the edges, letting clients upload inputs
// and download results without the service proxying bytes.
package blob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultURLTTL is how long presigned URLs stay valid.
const DefaultURLTTL = 15 * time.Minute

// Resolver issues presigned upload and download URLs for object refs.
type Resolver struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithURLTTL sets the presigned URL validity window.
func WithURLTTL(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = d }
}

// NewResolver creates a Resolver using the ambient AWS configuration
// (environment, shared config, instance role).
func NewResolver(ctx context.Context, bucket string, opts ...ResolverOption) (*Resolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}
	return NewResolverFromClient(s3.NewFromConfig(cfg), bucket, opts...), nil
}

// NewResolverFromClient creates a Resolver around an existing client.
func NewResolverFromClient(client *s3.Client, bucket string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		ttl:     DefaultURLTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UploadURL presigns a PUT for a new input object under the owner's
// upload prefix and returns the URL together with the ref to submit.
func (r *Resolver) UploadURL(ctx context.Context, owner, filename string) (url, ref string, err error) {
	ref = UploadRef(owner, filename)
	req, err := r.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(ref),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", "", fmt.Errorf("blob: presign upload %s: %w", ref, err)
	}
	return req.URL, ref, nil
}

// DownloadURL presigns a GET for a result ref.
func (r *Resolver) DownloadURL(ctx context.Context, ref string) (string, error) {
	req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(ref),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("blob: presign download %s: %w", ref, err)
	}
	return req.URL, nil
}

// UploadRef builds the canonical input ref for an owner's file.
func UploadRef(owner, filename string) string {
	return fmt.Sprintf("uploads/%s/%s", owner, filename)
}

// OwnsRef reports whether an input ref lives under the owner's upload
// prefix. The submit surface rejects refs pointing at other owners'
// objects.
func OwnsRef(owner, ref string) bool {
	return strings.HasPrefix(ref, "uploads/"+owner+"/") &&
		len(ref) > len("uploads/"+owner+"/")
}
