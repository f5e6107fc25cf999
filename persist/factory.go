package persist

import (
	"encoding/json"
	"fmt"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem, "":
		root, ok := config.Config["root"].(string)
		if !ok || root == "" {
			return nil, fmt.Errorf("%w: filesystem storage requires 'root' in config", ErrNotConfigured)
		}
		return NewFileSystemStore(root)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	// Round-trip the map through JSON to fill S3Config
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}
