package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
)

type uploaderAPI interface {
	UploadObject(ctx context.Context, input *transfermanager.UploadObjectInput, optFns ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error)
}

// S3Stream is an S3 sink that also uploads streamed batches, in parts, so the
// encoded batch never has to fit in memory.
type S3Stream struct {
	*S3
	uploader uploaderAPI
}

func NewS3Stream(s *S3, uploader uploaderAPI) *S3Stream {
	if s == nil || uploader == nil {
		panic("s3 sink and uploader are required")
	}
	return &S3Stream{S3: s, uploader: uploader}
}

func (s *S3Stream) WriteStream(ctx context.Context, req StreamWriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	if req.Writer == nil {
		return fmt.Errorf("nil stream writer")
	}

	key := s.objectKey(req.Key)
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(req.Writer.WriteTo(pw))
	}()

	input := transfermanager.UploadObjectInput{
		Bucket: s.bucketPtr,
		Key:    &key,
		Body:   pr,
	}
	if req.ContentType != "" {
		ct := req.ContentType
		input.ContentType = &ct
	}

	_, err := s.uploader.UploadObject(ctx, &input)
	// Unblocks the writer if the upload gave up early.
	pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("upload s3 object key=%q: %w", key, err)
	}
	return nil
}
