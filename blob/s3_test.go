package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

type stubGetter struct {
	body string
	err  error
	got  *s3.GetObjectInput
}

func (s *stubGetter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.got = in
	if s.err != nil {
		return nil, s.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(s.body))}, nil
}

func TestS3ReaderGet(t *testing.T) {
	stub := &stubGetter{body: `{"processed_conditions":[]}`}
	r := NewS3ReaderWithClient(stub)

	body, err := r.Get(context.Background(), conditions.BlobLocation{Bucket: "out", Key: "conditions_output/r.json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"processed_conditions":[]}` {
		t.Errorf("unexpected body %s", body)
	}
	if *stub.got.Bucket != "out" || *stub.got.Key != "conditions_output/r.json" {
		t.Errorf("unexpected request %+v", stub.got)
	}
}

func TestS3ReaderNotFound(t *testing.T) {
	cases := map[string]error{
		"typed":   &types.NoSuchKey{},
		"generic": &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"},
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewS3ReaderWithClient(&stubGetter{err: cause})
			_, err := r.Get(context.Background(), conditions.BlobLocation{Bucket: "b", Key: "k"})
			if !errors.Is(err, errorskg.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}

	r := NewS3ReaderWithClient(&stubGetter{err: &smithy.GenericAPIError{Code: "AccessDenied"}})
	_, err := r.Get(context.Background(), conditions.BlobLocation{Bucket: "b", Key: "k"})
	if err == nil || errors.Is(err, errorskg.ErrNotFound) {
		t.Errorf("access denied must not look like not-found: %v", err)
	}
}
