// Package transporttest provides an in-memory, s3API-shaped test double for
// pkg/transport's own tests, grounded in the teacher's preference for
// hand-written fakes over a mocking framework when exercising a storage
// backend (SPEC_FULL.md §8).
package transporttest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// apiError is a minimal smithy.APIError implementation for synthesizing the
// error codes pkg/transport's classifiers inspect.
type apiError struct {
	code    string
	message string
}

func (e *apiError) Error() string         { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *apiError) ErrorCode() string     { return e.code }
func (e *apiError) ErrorMessage() string  { return e.message }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

// NotFound returns a smithy.APIError shaped like S3's "object does not
// exist" response.
func NotFound() error { return &apiError{code: "NoSuchKey", message: "the specified key does not exist"} }

// Throttled returns a smithy.APIError shaped like a retryable S3 throttling response.
func Throttled() error { return &apiError{code: "SlowDown", message: "please reduce your request rate"} }

type multipartUpload struct {
	key   string
	parts map[int32][]byte
	done  bool
}

// FakeS3 is a single-bucket, in-memory stand-in for *s3.Client implementing
// exactly the operations transport.s3API declares. It is safe for
// concurrent use by multiple goroutines/transport instances, mirroring how
// multiple Transport instances in one test process share one fake backend
// the way multiple real processes would share one bucket.
type FakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploads   map[string]*multipartUpload
	nextID    int
	FailNextN map[string]int // operation name -> remaining injected failures
	FailWith  error          // error returned while FailNextN[op] > 0; defaults to Throttled()
}

// New returns an empty FakeS3.
func New() *FakeS3 {
	return &FakeS3{
		objects:   make(map[string][]byte),
		uploads:   make(map[string]*multipartUpload),
		FailNextN: make(map[string]int),
	}
}

// PutTestObject seeds the fake with existing object content, for tests that
// open a transport against a pre-existing key.
func (f *FakeS3) PutTestObject(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
}

// Object returns the current content of key, for test assertions.
func (f *FakeS3) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func (f *FakeS3) maybeFail(op string) error {
	if n := f.FailNextN[op]; n > 0 {
		f.FailNextN[op] = n - 1
		if f.FailWith != nil {
			return f.FailWith
		}
		return Throttled()
	}
	return nil
}

func (f *FakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("HeadObject"); err != nil {
		return nil, err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, NotFound()
	}
	size := int64(len(data))
	return &s3.HeadObjectOutput{ContentLength: &size}, nil
}

func (f *FakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("GetObject"); err != nil {
		return nil, err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, NotFound()
	}

	start, end := int64(0), int64(len(data))
	if rng := aws.ToString(in.Range); rng != "" {
		var s, e int64
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &s, &e); err != nil {
			return nil, &apiError{code: "InvalidRange", message: "could not parse range"}
		}
		if s >= int64(len(data)) {
			return nil, &apiError{code: "InvalidRange", message: "range start past end of object"}
		}
		start = s
		end = e + 1
		if end > int64(len(data)) {
			end = int64(len(data))
		}
	}

	size := end - start
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data[start:end])),
		ContentLength: &size,
	}, nil
}

func (f *FakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	failErr := f.maybeFail("PutObject")
	f.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	etag := fmt.Sprintf("%q", fmt.Sprintf("fake-%d", len(data)))
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *FakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("fake-upload-%d", f.nextID)
	f.uploads[id] = &multipartUpload{key: aws.ToString(in.Key), parts: make(map[int32][]byte)}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *FakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	failErr := f.maybeFail("UploadPart")
	f.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &apiError{code: "NoSuchUpload", message: "upload not found"}
	}
	up.parts[aws.ToInt32(in.PartNumber)] = data
	etag := fmt.Sprintf("%q", fmt.Sprintf("fake-part-%d-%d", aws.ToInt32(in.PartNumber), len(data)))
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

func (f *FakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &apiError{code: "NoSuchUpload", message: "upload not found"}
	}

	var parts []s3types.CompletedPart
	if in.MultipartUpload != nil {
		parts = in.MultipartUpload.Parts
	}
	nums := make([]int32, 0, len(parts))
	for _, p := range parts {
		nums = append(nums, aws.ToInt32(p.PartNumber))
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var assembled bytes.Buffer
	for _, n := range nums {
		data, ok := up.parts[n]
		if !ok {
			return nil, fmt.Errorf("transporttest: completion referenced part %d never uploaded", n)
		}
		assembled.Write(data)
	}

	f.objects[up.key] = assembled.Bytes()
	up.done = true
	delete(f.uploads, aws.ToString(in.UploadId))

	etag := fmt.Sprintf("%q", fmt.Sprintf("fake-complete-%s", up.key))
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(etag), Key: in.Key}, nil
}

func (f *FakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}
