package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	testJobID  = "5f0b0f51-7a1e-4f59-9a83-0a3c1d2e4b67"
	testBucket = "relay-artifacts"
)

func proofResultPayload() []byte {
	return []byte(`{"proof":"AQIDBA==","nullifier":"` + strings.Repeat("ab", 32) + `"}`)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "memory",
			cfg:  Config{Driver: DriverMemory},
		},
		{
			name:    "unsupported driver",
			cfg:     Config{Driver: "gcs"},
			wantErr: true,
		},
		{
			name:    "s3 missing bucket",
			cfg:     Config{Driver: DriverS3, S3Client: &fakeS3Client{}},
			wantErr: true,
		},
		{
			name:    "s3 missing client",
			cfg:     Config{Driver: DriverS3, Bucket: testBucket},
			wantErr: true,
		},
		{
			name: "default driver is s3",
			cfg:  Config{Bucket: testBucket, S3Client: &fakeS3Client{}},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if store == nil {
				t.Fatalf("New returned nil store")
			}
		})
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := New(Config{
		Driver: DriverMemory,
		Prefix: "relay-prod/",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := ProofResultKey(testJobID)
	payload := proofResultPayload()
	err = store.Put(context.Background(), "/"+key, payload, PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"artifact": "proof_result",
			"job-id":   testJobID,
		},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists returned false for persisted artifact")
	}

	obj, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Key != key {
		t.Fatalf("key = %q, want %q", obj.Key, key)
	}
	if !bytes.Equal(obj.Data, payload) {
		t.Fatalf("payload mismatch: got %q", string(obj.Data))
	}
	if obj.ContentType != "application/json" {
		t.Fatalf("content type = %q", obj.ContentType)
	}
	if obj.Metadata["artifact"] != "proof_result" {
		t.Fatalf("metadata = %+v", obj.Metadata)
	}

	// Returned slices and maps are defensive copies.
	obj.Data[0] = 'X'
	obj.Metadata["artifact"] = "changed"
	reload, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get reload: %v", err)
	}
	if reload.Data[0] != '{' {
		t.Fatalf("stored payload was mutated through the returned copy")
	}
	if reload.Metadata["artifact"] != "proof_result" {
		t.Fatalf("stored metadata was mutated through the returned copy")
	}

	if err := store.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"control char", "\x00bad"},
		{"newline", "\nproofs/x"},
		{"parent segment", "proofs/../secrets"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := store.Put(context.Background(), tc.key, []byte("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("Put(%q): expected ErrInvalidKey, got %v", tc.key, err)
			}
			if _, err := store.Get(context.Background(), tc.key); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("Get(%q): expected ErrInvalidKey, got %v", tc.key, err)
			}
		})
	}
}

func TestPutJSONArchivesUnderDomainKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outcome := map[string]string{"status": "completed", "job_id": testJobID}
	if err := PutJSON(context.Background(), store, SwapOutcomeKey(testJobID), outcome); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}

	obj, err := store.Get(context.Background(), "swaps/"+testJobID+"/outcome.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.ContentType != "application/json" {
		t.Fatalf("content type = %q", obj.ContentType)
	}
	var got map[string]string
	if err := json.Unmarshal(obj.Data, &got); err != nil {
		t.Fatalf("decode archived outcome: %v", err)
	}
	if got["status"] != "completed" {
		t.Fatalf("archived outcome = %+v", got)
	}

	if key, want := ProofResultKey(testJobID), "proofs/"+testJobID+"/result.json"; key != want {
		t.Fatalf("proof result key = %q, want %q", key, want)
	}
}

func TestS3StorePutGetExistsAndDelete(t *testing.T) {
	t.Parallel()

	wantKey := "relay-prod/" + ProofResultKey(testJobID)
	client := &fakeS3Client{}
	store, err := New(Config{
		Driver:     DriverS3,
		Bucket:     testBucket,
		Prefix:     "relay-prod",
		MaxGetSize: 4 << 10,
		S3Client:   client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client.putFn = func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		if got := aws.ToString(in.Bucket); got != testBucket {
			t.Fatalf("bucket = %q", got)
		}
		if got := aws.ToString(in.Key); got != wantKey {
			t.Fatalf("key = %q, want %q", got, wantKey)
		}
		if got := aws.ToString(in.ContentType); got != "application/json" {
			t.Fatalf("content type = %q", got)
		}
		if got := in.Metadata["job-id"]; got != testJobID {
			t.Fatalf("metadata = %+v", in.Metadata)
		}
		return &s3.PutObjectOutput{}, nil
	}
	client.getFn = func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		if got := aws.ToString(in.Key); got != wantKey {
			t.Fatalf("get key = %q, want %q", got, wantKey)
		}
		return &s3.GetObjectOutput{
			Body:        io.NopCloser(bytes.NewReader(proofResultPayload())),
			ContentType: aws.String("application/json"),
			Metadata:    map[string]string{"job-id": testJobID},
			ETag:        aws.String(`"abc123"`),
		}, nil
	}
	client.headFn = func(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
		if got := aws.ToString(in.Key); got != wantKey {
			t.Fatalf("head key = %q, want %q", got, wantKey)
		}
		return &s3.HeadObjectOutput{}, nil
	}
	client.deleteFn = func(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
		if got := aws.ToString(in.Key); got != wantKey {
			t.Fatalf("delete key = %q, want %q", got, wantKey)
		}
		return &s3.DeleteObjectOutput{}, nil
	}

	key := ProofResultKey(testJobID)
	err = store.Put(context.Background(), key, proofResultPayload(), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"job-id": testJobID},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(obj.Data, proofResultPayload()) {
		t.Fatalf("data mismatch: got %q", string(obj.Data))
	}
	if obj.ETag != "abc123" {
		t.Fatalf("etag = %q", obj.ETag)
	}
	if obj.Metadata["job-id"] != testJobID {
		t.Fatalf("metadata = %+v", obj.Metadata)
	}

	ok, err := store.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists returned false for present artifact")
	}

	if err := store.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestS3StoreMapsNotFound(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
		},
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "NotFound", msg: "missing"}
		},
	}

	store, err := New(Config{Driver: DriverS3, Bucket: testBucket, S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := store.Get(context.Background(), SwapOutcomeKey("nope")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}

	ok, err := store.Exists(context.Background(), SwapOutcomeKey("nope"))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("Exists returned true for missing artifact")
	}
}

func TestS3StoreMaxGetSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{
				Body: io.NopCloser(strings.NewReader("this artifact is larger than the cap")),
			}, nil
		},
	}

	store, err := New(Config{
		Driver:     DriverS3,
		Bucket:     testBucket,
		S3Client:   client,
		MaxGetSize: 8,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := store.Get(context.Background(), ProofResultKey(testJobID)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn    func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn    func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	deleteFn func(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	headFn   func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.deleteFn == nil {
		return &s3.DeleteObjectOutput{}, nil
	}
	return f.deleteFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string { return f.code }

func (f fakeAPIError) ErrorMessage() string { return f.msg }

func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func (f fakeAPIError) Error() string { return f.code + ": " + f.msg }
