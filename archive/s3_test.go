package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 is an in-memory HTTP transport answering the path-style requests the
// archive issues.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3Store(t *testing.T, prefix string) (*S3, *fakeS3) {
	t.Helper()
	rt := &fakeS3{objects: make(map[string][]byte)}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatalf("aws config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return newS3(client, "checkpoints", prefix), rt
}

func response(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header, ContentLength: int64(len(body))}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	lastModified := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>%d</Size><ETag>"etag"</ETag><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>`, k, len(f.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		return response(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}}), nil
	}

	switch req.Method {
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
			if body, err = decodeChunked(body); err != nil {
				return nil, err
			}
		}
		f.objects[key] = body
		f.puts++
		return response(http.StatusOK, "", http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			return response(http.StatusNotFound, "", nil), nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{
			"Content-Length": {strconv.Itoa(len(body))},
			"Etag":           {`"etag"`},
			"Last-Modified":  {lastModified.Format(http.TimeFormat)},
		}}, nil
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			return response(http.StatusNotFound,
				`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`,
				http.Header{"Content-Type": {"application/xml"}}), nil
		}
		return response(http.StatusOK, string(body), http.Header{
			"Content-Length": {strconv.Itoa(len(body))},
			"Last-Modified":  {lastModified.Format(http.TimeFormat)},
		}), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return response(http.StatusNoContent, "", nil), nil
	}
	return response(http.StatusNotImplemented, "", nil), nil
}

// decodeChunked strips aws-chunked framing: <hex>[;ext]\r\n<data>\r\n ... 0\r\n<trailers>.
func decodeChunked(b []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(b))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return nil, err
		}
		if _, err := r.Discard(2); err != nil {
			return nil, err
		}
	}
}

func TestS3_PutGetListDelete(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeS3Store(t, "runs/")

	info, err := store.Put(ctx, "Dell_S2722QC_epoch_0010.ckpt", bytes.NewReader([]byte("payload")))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "Dell_S2722QC_epoch_0010.ckpt" || info.Size != 7 || info.ETag != "etag" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, ok := fake.objects["runs/Dell_S2722QC_epoch_0010.ckpt"]; !ok {
		t.Fatalf("object not stored under prefix: %v", fake.objects)
	}

	rc, err := store.Get(ctx, "Dell_S2722QC_epoch_0010.ckpt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "payload" {
		t.Fatalf("got %q", b)
	}

	if _, err := store.Put(ctx, "LG_27UL500_epoch_0010.ckpt", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, err := store.List(ctx, "Dell_")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "Dell_S2722QC_epoch_0010.ckpt" || list[0].Size != 7 {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := store.Delete(ctx, "Dell_S2722QC_epoch_0010.ckpt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "Dell_S2722QC_epoch_0010.ckpt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if fake.puts != 2 {
		t.Fatalf("puts = %d, want 2", fake.puts)
	}
}

func TestS3_RejectsTraversal(t *testing.T) {
	store, _ := newFakeS3Store(t, "")
	if _, err := store.Put(context.Background(), "../x", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error")
	}
}
