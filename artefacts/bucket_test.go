package artefacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory stand-in for the object store.
type fakeS3 struct {
	objects map[string]map[string][]byte
}

func newFakeS3(buckets ...string) *fakeS3 {
	objects := map[string]map[string][]byte{}
	for _, bucket := range buckets {
		objects[bucket] = map[string][]byte{}
	}
	return &fakeS3{objects: objects}
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	bucket, ok := f.objects[*params.Bucket]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	data, ok := bucket[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	bucket, ok := f.objects[*params.Bucket]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	bucket[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if _, ok := f.objects[*params.Bucket]; !ok {
		return nil, &types.NoSuchBucket{}
	}
	return &s3.ListObjectsV2Output{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.objects[*params.Bucket] = map[string][]byte{}
	return &s3.CreateBucketOutput{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBucket(api S3API, name string) *Bucket {
	return &Bucket{api: api, name: name, logger: testLogger()}
}

func TestEnsureUsesExistingBucket(t *testing.T) {
	api := newFakeS3("flowmium-test")
	bucket := testBucket(api, "flowmium-test")

	if err := bucket.ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
}

func TestEnsureCreatesMissingBucket(t *testing.T) {
	api := newFakeS3()
	bucket := testBucket(api, "flowmium-test")

	if err := bucket.ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, ok := api.objects["flowmium-test"]; !ok {
		t.Error("bucket was not created")
	}
}

func TestPutGetArtefact(t *testing.T) {
	bucket := testBucket(newFakeS3("b"), "b")
	ctx := context.Background()

	if err := bucket.PutArtefact(ctx, "1/report", []byte("contents")); err != nil {
		t.Fatalf("PutArtefact: %v", err)
	}

	data, err := bucket.GetArtefact(ctx, "1/report")
	if err != nil {
		t.Fatalf("GetArtefact: %v", err)
	}
	if string(data) != "contents" {
		t.Errorf("data = %q, want %q", data, "contents")
	}
}

func TestGetArtefactDoesNotExist(t *testing.T) {
	bucket := testBucket(newFakeS3("b"), "b")

	_, err := bucket.GetArtefact(context.Background(), "1/missing")

	var missing *ArtefactDoesNotExistError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want ArtefactDoesNotExistError", err)
	}
	if missing.StorePath != "1/missing" {
		t.Errorf("StorePath = %q, want %q", missing.StorePath, "1/missing")
	}
}

func TestDownloadInputCreatesParentDirectories(t *testing.T) {
	bucket := testBucket(newFakeS3("b"), "b")
	ctx := context.Background()

	if err := bucket.PutArtefact(ctx, "7/data", []byte("payload")); err != nil {
		t.Fatalf("PutArtefact: %v", err)
	}

	localPath := filepath.Join(t.TempDir(), "some", "nested", "input.txt")
	if err := bucket.DownloadInput(ctx, localPath, "7/data"); err != nil {
		t.Fatalf("DownloadInput: %v", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		t.Fatalf("read downloaded input: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q, want %q", data, "payload")
	}
}

func TestDownloadInputMissingArtefactIsNotRetried(t *testing.T) {
	bucket := testBucket(newFakeS3("b"), "b")

	err := bucket.DownloadInput(context.Background(), filepath.Join(t.TempDir(), "x"), "7/missing")

	var missing *ArtefactDoesNotExistError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want ArtefactDoesNotExistError", err)
	}
}

func TestUploadOutput(t *testing.T) {
	api := newFakeS3("b")
	bucket := testBucket(api, "b")

	localPath := filepath.Join(t.TempDir(), "output.txt")
	if err := os.WriteFile(localPath, []byte("result"), 0o644); err != nil {
		t.Fatalf("write output file: %v", err)
	}

	if err := bucket.UploadOutput(context.Background(), localPath, "7/result"); err != nil {
		t.Fatalf("UploadOutput: %v", err)
	}

	if string(api.objects["b"]["7/result"]) != "result" {
		t.Errorf("stored = %q, want %q", api.objects["b"]["7/result"], "result")
	}
}

func TestStorePath(t *testing.T) {
	if got := StorePath(12, "report"); got != "12/report" {
		t.Errorf("StorePath = %q, want %q", got, "12/report")
	}
}
