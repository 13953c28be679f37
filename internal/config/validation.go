package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags, then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if d := cfg.Watcher.Debounce; d < 50*time.Millisecond || d > 10*time.Second {
		return fmt.Errorf("watcher.debounce: %v is outside 50ms..10s", d)
	}
	if (cfg.Server.Username == "") != (cfg.Server.PasswordHash == "") {
		return fmt.Errorf("server: username and password_hash must be set together")
	}
	switch cfg.Catalog.Backend {
	case "postgres":
		if cfg.Catalog.DSN == "" {
			return fmt.Errorf("catalog.dsn: required for the postgres backend")
		}
	case "badger", "sqlite":
		if cfg.Catalog.Path == "" {
			return fmt.Errorf("catalog.path: required for the %s backend", cfg.Catalog.Backend)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
