package platform

import (
	"fmt"
	"log/slog"

	"healthsync/internal/domain"
	"healthsync/internal/infra/config"
)

// New selects and constructs the platform adapter named by cfg.Kind.
func New(cfg config.PlatformConfig, logger *slog.Logger) (Adapter, error) {
	switch cfg.Kind {
	case "apple", "":
		return NewAppleHealthClient(cfg, logger), nil
	case "google":
		return NewGoogleFitClient(cfg, logger), nil
	default:
		return nil, domain.NewDomainError("platform.New", domain.ErrConfigLoad,
			fmt.Sprintf("unknown platform kind %q", cfg.Kind))
	}
}
