package subaru

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorClient wraps an S3-compatible bucket holding built package
// archives and a JSON index of them.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
}

// MirrorEntry is one row of the remote package index.
type MirrorEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	File    string `json:"file"`
	B3Sum   string `json:"b3sum"`
}

// NewMirrorClient initializes the S3 client from configuration values.
func NewMirrorClient(cfg *Config) (*MirrorClient, error) {
	endpoint := cfg.Values["S3_ENDPOINT"]
	accessKey := cfg.Values["S3_ACCESS_KEY_ID"]
	secretKey := cfg.Values["S3_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["S3_BUCKET"]

	if endpoint == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("mirror credentials missing in configuration (S3_ENDPOINT, S3_ACCESS_KEY_ID, S3_SECRET_ACCESS_KEY, S3_BUCKET)")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint}, nil
	})

	options := []func(*config.LoadOptions) error{
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion("auto"),
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &MirrorClient{Client: client, BucketName: bucketName}, nil
}

// DownloadFile fetches an object from the bucket.
func (m *MirrorClient) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()
	return io.ReadAll(output.Body)
}

func mirrorContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

// UploadFile uploads an in-memory object to the bucket.
func (m *MirrorClient) UploadFile(ctx context.Context, key string, body []byte) error {
	_, err := m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(mirrorContentType(key)),
	})
	return err
}

// UploadLocalFile streams a file from disk to the bucket.
func (m *MirrorClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(mirrorContentType(key)),
	})
	return err
}

// uploadPackages pushes local .tar.zst archives whose checksum differs
// from the remote index, then replaces index.json. With names given,
// only those packages are considered.
func uploadPackages(bctx *BuildContext, names []string) error {
	ctx := context.Background()

	mirror, err := NewMirrorClient(bctx.Config)
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Println("Fetching remote index")
	remoteIndex := make(map[string]MirrorEntry)
	if data, err := mirror.DownloadFile(ctx, "index.json"); err != nil {
		debugf("Remote index not found: %v\n", err)
	} else {
		var entries []MirrorEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("failed to parse remote index: %w", err)
		}
		for _, e := range entries {
			remoteIndex[e.Name] = e
		}
	}

	only := make(map[string]bool, len(names))
	for _, n := range names {
		only[n] = true
	}

	localFiles, err := filepath.Glob(filepath.Join(bctx.BinDir, "*.tar.zst"))
	if err != nil {
		return err
	}
	sort.Strings(localFiles)

	// Latest archive per package, by the name-version filename convention.
	latest := make(map[string]MirrorEntry)
	for _, file := range localFiles {
		base := strings.TrimSuffix(filepath.Base(file), ".tar.zst")
		idx := strings.LastIndex(base, "-")
		if idx <= 0 {
			debugf("Skipping unparsable archive name: %s\n", file)
			continue
		}
		name, version := base[:idx], base[idx+1:]
		if len(only) > 0 && !only[name] {
			continue
		}
		sum, err := hashFile(file)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", file, err)
		}
		entry := MirrorEntry{Name: name, Version: version, File: filepath.Base(file), B3Sum: sum}
		if prev, ok := latest[name]; !ok || compareVersions(version, prev.Version) > 0 {
			latest[name] = entry
		} else {
			debugf("Keeping %s-%s over %s\n", name, prev.Version, version)
		}
	}

	var sortedNames []string
	for n := range latest {
		sortedNames = append(sortedNames, n)
	}
	sort.Strings(sortedNames)

	uploaded := 0
	for _, n := range sortedNames {
		local := latest[n]
		if remote, ok := remoteIndex[n]; ok && remote.B3Sum == local.B3Sum {
			debugf("%s unchanged on mirror, skipping\n", n)
			remoteIndex[n] = remote
			continue
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Uploading %s\n", local.File)
		if err := mirror.UploadLocalFile(ctx, local.File, filepath.Join(bctx.BinDir, local.File)); err != nil {
			return fmt.Errorf("failed to upload %s: %w", local.File, err)
		}
		remoteIndex[n] = local
		uploaded++
	}

	var newIndex []MirrorEntry
	for _, e := range remoteIndex {
		newIndex = append(newIndex, e)
	}
	sort.Slice(newIndex, func(i, j int) bool { return newIndex[i].Name < newIndex[j].Name })
	indexData, err := json.MarshalIndent(newIndex, "", "  ")
	if err != nil {
		return err
	}
	if err := mirror.UploadFile(ctx, "index.json", indexData); err != nil {
		return fmt.Errorf("failed to upload index: %w", err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Upload complete, %d package(s) pushed\n", uploaded)
	return nil
}
