package config

const EnvPrefix = "BARNLINK"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	BrokerDriverRabbitMQ = "rabbitmq"
	BrokerDriverPubSub   = "pubsub"
	BrokerDriverKafka    = "kafka"
)

const (
	EnvAppEnv          = "BARNLINK_APP_ENV"
	EnvPort            = "BARNLINK_APP_PORT"
	EnvDBDSN           = "BARNLINK_DB_DSN"
	EnvDBHost          = "BARNLINK_DB_HOST"
	EnvDBUser          = "BARNLINK_DB_USER"
	EnvDBName          = "BARNLINK_DB_NAME"
	EnvDBPassword      = "BARNLINK_DB_PASSWORD"
	EnvRedisURL        = "BARNLINK_REDIS_URL"
	EnvBrokerDriver    = "BARNLINK_BROKER_DRIVER"
	EnvBrokerPrefetch  = "BARNLINK_BROKER_PREFETCH"
	EnvDedupeTTL       = "BARNLINK_EVENTING_DEDUPE_TTL"
	EnvDeliveryMax     = "BARNLINK_DELIVERY_MAX_ATTEMPTS"
	EnvSensorThreshold = "BARNLINK_SENSOR_THRESHOLD_KG"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
