package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FILEVAULT_"

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func boolean(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

// bytesize accepts a plain byte count or a humanized size such as "64MiB".
func bytesize(dst func(c *Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return err
		}
		if n > math.MaxInt64 {
			return fmt.Errorf("%s is too large", v)
		}
		*dst(c) = int64(n)
		return nil
	}
}

// list splits a comma-separated value, dropping empty entries.
func list(dst func(c *Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst(c) = out
		return nil
	}
}

func duration(dst func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = Duration(d)
		return nil
	}
}

var envBindings = []envBinding{
	{"STORAGE_BACKEND", str(func(c *Config) *string { return &c.Storage.Backend })},
	{"STORAGE_ROOT", str(func(c *Config) *string { return &c.Storage.Root })},
	{"STORAGE_STAGING_DIR", str(func(c *Config) *string { return &c.Storage.StagingDir })},
	{"STORAGE_COMPRESSION", str(func(c *Config) *string { return &c.Storage.Compression })},
	{"S3_BUCKET", str(func(c *Config) *string { return &c.S3.Bucket })},
	{"S3_REGION", str(func(c *Config) *string { return &c.S3.Region })},
	{"S3_ENDPOINT", str(func(c *Config) *string { return &c.S3.Endpoint })},
	{"S3_ACCESS_KEY", str(func(c *Config) *string { return &c.S3.AccessKey })},
	{"S3_SECRET_KEY", str(func(c *Config) *string { return &c.S3.SecretKey })},
	{"S3_PREFIX", str(func(c *Config) *string { return &c.S3.Prefix })},
	{"S3_PATH_STYLE", boolean(func(c *Config) *bool { return &c.S3.PathStyle })},
	{"CATALOG_DRIVER", str(func(c *Config) *string { return &c.Catalog.Driver })},
	{"CATALOG_DSN", str(func(c *Config) *string { return &c.Catalog.DSN })},
	{"INGEST_MAX_UPLOAD_BYTES", bytesize(func(c *Config) *int64 { return &c.Ingest.MaxUploadBytes })},
	{"INGEST_CONTENT_INDEX", boolean(func(c *Config) *bool { return &c.Ingest.ContentIndex })},
	{"QUERY_MAX_LIMIT", integer(func(c *Config) *int { return &c.Query.MaxLimit })},
	{"QUERY_TIMEOUT", duration(func(c *Config) *Duration { return &c.Query.Timeout })},
	{"FETCH_VERIFY", boolean(func(c *Config) *bool { return &c.Fetch.Verify })},
	{"SERVER_LISTEN", str(func(c *Config) *string { return &c.Server.Listen })},
	{"SERVER_ADMIN_TOKEN", str(func(c *Config) *string { return &c.Server.AdminToken })},
	{"SERVER_TLS_CERT", str(func(c *Config) *string { return &c.Server.TLSCert })},
	{"SERVER_TLS_KEY", str(func(c *Config) *string { return &c.Server.TLSKey })},
	{"SERVER_WEBHOOK_URLS", list(func(c *Config) *[]string { return &c.Server.WebhookURLs })},
	{"SERVER_WEBHOOK_SECRET", str(func(c *Config) *string { return &c.Server.WebhookSecret })},
	{"SERVER_REQUESTS_PER_MINUTE", integer(func(c *Config) *int { return &c.Server.RequestsPerMinute })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
}

// ApplyEnv overrides fields from FILEVAULT_* environment variables.
// hash_algorithm is fixed at init time and has no override.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}
