package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the configuration for invalid or contradictory values.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if cfg.Storage.Backend == "fs" && cfg.Storage.Root == "" {
		return fmt.Errorf("invalid configuration: storage.root is required for the fs backend")
	}
	if cfg.Storage.Backend == "s3" && cfg.S3.Bucket == "" {
		return fmt.Errorf("invalid configuration: s3.bucket is required for the s3 backend")
	}
	if cfg.Catalog.DSN == "" {
		return fmt.Errorf("invalid configuration: catalog.dsn is required")
	}
	if cfg.Ingest.ContentIndex && cfg.Ingest.ContentIndexLimit == 0 {
		return fmt.Errorf("invalid configuration: ingest.content_index_limit must be positive when content_index is enabled")
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	first := verrs[0]
	if first.Param() != "" {
		return fmt.Errorf("invalid configuration: %s failed %q (%s) with value %v",
			first.Namespace(), first.Tag(), first.Param(), first.Value())
	}
	return fmt.Errorf("invalid configuration: %s failed %q with value %v",
		first.Namespace(), first.Tag(), first.Value())
}
