package storage

import (
	"fmt"

	"github.com/nikhilbhutani/lessonreel/internal/config"
)

// FromConfig returns the blob backend selected in cfg.
func FromConfig(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
			return nil, fmt.Errorf("storage backend supabase requires SUPABASE_URL and SUPABASE_SERVICE_KEY")
		}
		return NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseKey), nil
	case "local", "":
		return NewLocalStorage(cfg.LocalDir), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
