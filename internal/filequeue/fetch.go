package filequeue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Fetcher copies a remote file to a local destination.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string) error
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, src, dst string) error

func (f FetcherFunc) Fetch(ctx context.Context, src, dst string) error { return f(ctx, src, dst) }

// CopyCommand runs an external copy tool. The placeholders ?src and ?dst in
// Template are replaced by the source and destination paths.
type CopyCommand struct {
	Template string
}

func (c CopyCommand) Fetch(ctx context.Context, src, dst string) error {
	args := strings.Fields(c.Template)
	if len(args) == 0 {
		return fmt.Errorf("empty copy command")
	}
	for i, a := range args {
		a = strings.ReplaceAll(a, "?src", src)
		args[i] = strings.ReplaceAll(a, "?dst", dst)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("%s finished but %s is missing", args[0], dst)
	}
	return nil
}

// S3API is the part of the S3 client used by the queue.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source lists and downloads containers from S3.
type S3Source struct {
	Client S3API
}

// ParseS3URL splits s3://bucket/prefix.
func ParseS3URL(u string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(u, "s3://")
	if !found || rest == "" {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, prefix, bucket != ""
}

// List returns s3:// URLs of the objects under u whose base name matches re.
func (s S3Source) List(ctx context.Context, u string, re *regexp.Regexp) ([]string, error) {
	bucket, prefix, ok := ParseS3URL(u)
	if !ok {
		return nil, fmt.Errorf("invalid S3 location %q", u)
	}
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var out []string
	pager := s3.NewListObjectsV2Paginator(s.Client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", u, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			if re != nil && !re.MatchString(path.Base(key)) {
				continue
			}
			out = append(out, "s3://"+bucket+"/"+key)
		}
	}
	return out, nil
}

func (s S3Source) Fetch(ctx context.Context, src, dst string) error {
	bucket, key, ok := ParseS3URL(src)
	if !ok || key == "" {
		return fmt.Errorf("invalid S3 object %q", src)
	}
	obj, err := s.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("get %s: %w", src, err)
	}
	defer obj.Body.Close()

	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", src, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
