package database

import (
	"fmt"
	"net/url"

	"github.com/avehara/hub-sync/internal/config"
)

// BuildConnString renders a PostgreSQL URL from config. Credentials go
// through net/url so passwords with reserved characters stay intact.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}
