package config

// EnvPrefix namespaces every environment variable the service reads.
const EnvPrefix = "PROOFROOM"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Environment variable names referenced outside struct tags (tests, error messages).
const (
	EnvAppEnv    = "PROOFROOM_APP_ENV"
	EnvPort      = "PROOFROOM_APP_PORT"
	EnvDBDSN     = "PROOFROOM_DB_DSN"
	EnvDBHost    = "PROOFROOM_DB_HOST"
	EnvDBUser    = "PROOFROOM_DB_USER"
	EnvDBName    = "PROOFROOM_DB_NAME"
	EnvRedisURL  = "PROOFROOM_REDIS_URL"
	EnvJWTSecret = "PROOFROOM_JWT_SECRET"
	EnvJWTIssuer = "PROOFROOM_JWT_ISSUER"
	EnvJWTExp    = "PROOFROOM_JWT_EXPIRATION_MINUTES"

	EnvStorageBaseURL = "PROOFROOM_STORAGE_BASE_URL"
	EnvStorageBucket  = "PROOFROOM_STORAGE_BUCKET"

	EnvClientKeySecret = "PROOFROOM_CLIENT_KEY_SECRET"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
