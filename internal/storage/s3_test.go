package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/isamap/isamap/internal/errors"
)

const testBucket = "snapshots"

// fakeS3 serves the path-style subset of the S3 REST API that S3Storage uses.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]map[int][]byte
	nextID   int
	putCalls int
	parts    int
	// failPuts makes the next n single-object PUTs answer 500.
	failPuts int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, uploads: map[string]map[int][]byte{}}
}

type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func etagOf(b []byte) string {
	sum := md5.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"+testBucket), "/")
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodGet && key == "":
		var res listBucketResult
		res.Name, res.Prefix = testBucket, q.Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, res.Prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int    `xml:"Size"`
			}{k, len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		writeXML(w, res)

	case r.Method == http.MethodPost && q.Has("uploads"):
		f.nextID++
		id := strconv.Itoa(f.nextID)
		f.uploads[id] = map[int][]byte{}
		fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, testBucket, key, id)

	case r.Method == http.MethodPut && q.Has("uploadId"):
		n, _ := strconv.Atoi(q.Get("partNumber"))
		body, _ := io.ReadAll(r.Body)
		f.uploads[q.Get("uploadId")][n] = body
		f.parts++
		w.Header().Set("ETag", etagOf(body))

	case r.Method == http.MethodPost && q.Has("uploadId"):
		parts := f.uploads[q.Get("uploadId")]
		var nums []int
		for n := range parts {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		var whole []byte
		for _, n := range nums {
			whole = append(whole, parts[n]...)
		}
		delete(f.uploads, q.Get("uploadId"))
		f.objects[key] = whole
		fmt.Fprintf(w, `<CompleteMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><ETag>%s</ETag></CompleteMultipartUploadResult>`, testBucket, key, etagOf(whole))

	case r.Method == http.MethodDelete && q.Has("uploadId"):
		delete(f.uploads, q.Get("uploadId"))
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut && f.failPuts > 0:
		io.Copy(io.Discard, r.Body)
		f.failPuts--
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `<Error><Code>InternalError</Code><Message>We encountered an internal error.</Message></Error>`)

	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.putCalls++
		w.Header().Set("ETag", etagOf(body))

	case r.Method == http.MethodGet, r.Method == http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				fmt.Fprintf(w, `<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>%s</Key></Error>`, key)
			}
			return
		}
		w.Header().Set("ETag", etagOf(body))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodGet {
			w.Write(body)
		}

	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeS3) counts() (puts, parts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCalls, f.parts
}

func (f *fakeS3) object(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.objects[key])
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	out, _ := xml.Marshal(v)
	w.Write(out)
}

func newTestS3(t *testing.T, partSize int64, opts ...S3Option) (*S3Storage, *fakeS3) {
	return newTestS3WithRetries(t, partSize, 0, opts...)
}

func newTestS3WithRetries(t *testing.T, partSize int64, retries int, opts ...S3Option) (*S3Storage, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		Retryer:                    aws.NopRetryer{},
	})
	cfg := DefaultS3Config()
	cfg.MultipartConfig.PartSize = partSize
	cfg.MaxRetries = retries
	cfg.RetryBackoff = time.Millisecond
	return NewS3StorageWithClient(client, testBucket, cfg, opts...), fake
}

func TestS3Storage_RoundTrip(t *testing.T) {
	st, fake := newTestS3(t, 1024)
	ctx := context.Background()

	etag, err := st.Upload(ctx, writeFile(t, "hello world"), "db/one.snap")
	require.NoError(t, err)
	assert.Equal(t, etagOf([]byte("hello world")), etag)
	puts, _ := fake.counts()
	assert.Equal(t, 1, puts)

	exists, err := st.Exists(ctx, "db/one.snap")
	require.NoError(t, err)
	assert.True(t, exists)

	dst := filepath.Join(t.TempDir(), "out.snap")
	require.NoError(t, st.Download(ctx, "db/one.snap", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	require.NoError(t, st.Delete(ctx, "db/one.snap"))
	exists, err = st.Exists(ctx, "db/one.snap")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestS3Storage_MultipartAboveOnePart(t *testing.T) {
	st, fake := newTestS3(t, 8)
	ctx := context.Background()
	content := "0123456789abcdefghij"

	etag, err := st.Upload(ctx, writeFile(t, content), "big.snap")
	require.NoError(t, err)
	assert.Equal(t, etagOf([]byte(content)), etag)
	puts, parts := fake.counts()
	assert.Equal(t, 3, parts)
	assert.Zero(t, puts)
	assert.Equal(t, content, fake.object("big.snap"))
}

func TestS3Storage_DownloadNotFound(t *testing.T) {
	st, _ := newTestS3(t, 1024)

	dir := t.TempDir()
	err := st.Download(context.Background(), "missing.snap", filepath.Join(dir, "x"))
	assert.True(t, IsNotFound(err), "got %v", err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial file should be left behind")
}

func TestS3Storage_UploadRetriesServerErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	st, fake := newTestS3WithRetries(t, 1024, 2, WithS3Logger(zap.New(core).Sugar()))
	fake.mu.Lock()
	fake.failPuts = 2
	fake.mu.Unlock()

	_, err := st.Upload(context.Background(), writeFile(t, "payload"), "retry.snap")
	require.NoError(t, err)
	assert.Equal(t, "payload", fake.object("retry.snap"))
	assert.Equal(t, 2, logs.FilterMessage("s3 request failed, retrying").Len())
}

func TestS3Storage_UploadGivesUpAfterRetries(t *testing.T) {
	st, fake := newTestS3WithRetries(t, 1024, 1)
	fake.mu.Lock()
	fake.failPuts = 5
	fake.mu.Unlock()

	_, err := st.Upload(context.Background(), writeFile(t, "payload"), "retry.snap")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUploadFailed, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 3, fake.failPuts)
}

func TestS3Storage_ListObjects(t *testing.T) {
	st, _ := newTestS3(t, 1024)
	ctx := context.Background()
	src := writeFile(t, "x")
	for _, key := range []string{"db/2.snap", "db/1.snap", "other.snap"} {
		_, err := st.Upload(ctx, src, key)
		require.NoError(t, err)
	}

	objects, err := st.ListObjects(ctx, "db/")
	require.NoError(t, err)
	assert.Equal(t, []string{"db/1.snap", "db/2.snap"}, objects)
}
