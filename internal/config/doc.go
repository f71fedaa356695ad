// Package config loads the coven-ingest YAML configuration.
//
// Values of the form ${VAR} are replaced from the environment before parsing,
// so secrets can live in the environment or in a .env file loaded with
// LoadDotEnv. Durations are written as Go duration strings ("2s", "24h").
// Every section has defaults; Validate reports the first missing or
// inconsistent value.
//
// Example:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	redis:
//	  url: "redis://localhost:6379/0"
//	database:
//	  path: "/var/lib/coven/ingest.db"
//	auth:
//	  jwt_secret: "${COVEN_INGEST_JWT_SECRET}"
//	  app_secret: "${WHATSAPP_APP_SECRET}"
//	provider:
//	  access_token: "${WHATSAPP_TOKEN}"
//	  phone_number_id: "${WHATSAPP_PHONE_NUMBER_ID}"
//	  verify_token: "${WHATSAPP_VERIFY_TOKEN}"
//	engine:
//	  url: "http://localhost:8000/respond"
//	buffer:
//	  debounce: "2s"
//	  max_wait: "20s"
//	media:
//	  dir: "/var/lib/coven/media"
//	  sweep_schedule: "0 3 * * *"
package config
