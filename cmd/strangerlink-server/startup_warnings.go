package main

import (
	"log/slog"
	"slices"

	"github.com/strangerlink/signal-server/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_MESSAGE_BYTES is very large (signaling frames are buffered whole)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.StrictSignaling {
		logger.Warn("startup security warning: strict signaling is off while --mode=prod (SDP and ICE candidates are relayed unparsed)",
			"warning_code", "strict_signaling_off_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.TrustProxy {
		logger.Warn("startup security warning: TRUST_PROXY is on; X-Forwarded-For is trusted for country detection",
			"warning_code", "trust_proxy_enabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.DatabaseURL == "" {
		logger.Warn("startup warning: no DATABASE_URL while --mode=prod; session records are kept in memory only",
			"warning_code", "database_not_configured_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.GeoProvider == config.GeoProviderIPInfo && cfg.IPInfoToken == "" {
		logger.Warn("startup warning: ipinfo geolocation without IPINFO_TOKEN is heavily rate limited",
			"warning_code", "ipinfo_token_missing",
			"geo_provider", cfg.GeoProvider,
		)
	}
}
