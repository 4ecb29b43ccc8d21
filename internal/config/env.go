package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	ModeServer   = "server"
	ModeOnDemand = "ondemand"
)

const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreLocal    = "local"
	StoreS3       = "s3"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	Mode     string `envconfig:"MODE" default:"server"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"PORT" default:"3000"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	// APIKey guards send-notification when set.
	APIKey         string   `envconfig:"API_KEY"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	// RateLimit throttles subscribe per client IP, in ulule/limiter format
	// ("60-M" is 60 per minute). Empty disables it.
	RateLimit string `envconfig:"RATE_LIMIT" default:"60-M"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// friends. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool          `envconfig:"TRUST_PROXY_HEADERS" default:"false"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	SentryDSN         string        `envconfig:"SENTRY_DSN"`
}

type StoreEnv struct {
	Type string `envconfig:"STORE_TYPE" default:"local"`
	// ConnectTimeout bounds store connection and the startup ping.
	ConnectTimeout time.Duration `envconfig:"STORE_CONNECT_TIMEOUT" default:"10s"`

	MongoURI        string `envconfig:"MONGO_URI"`
	MongoDatabase   string `envconfig:"MONGO_DATABASE" default:"push-db"`
	MongoCollection string `envconfig:"MONGO_COLLECTION" default:"subscriptions"`

	// DatabaseURL is a lib/pq connection string (STORE_TYPE=postgres).
	DatabaseURL string `envconfig:"DATABASE_URL"`
	// SQLitePath is a modernc.org/sqlite DSN (STORE_TYPE=sqlite).
	SQLitePath string `envconfig:"SQLITE_PATH" default:"pushcast.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"`

	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".pushcast/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"pushcast/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type VAPIDEnv struct {
	VAPIDSubject    string `envconfig:"VAPID_SUBJECT"`
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	// VAPIDTTL is how long, in seconds, the push service keeps an undelivered message.
	VAPIDTTL int `envconfig:"VAPID_TTL" default:"86400"`
}

type NotificationEnv struct {
	Title string `envconfig:"NOTIFICATION_TITLE" default:"Demo Notification!"`
	Body  string `envconfig:"NOTIFICATION_BODY" default:"Testing your custom backend setup!"`
	Icon  string `envconfig:"NOTIFICATION_ICON" default:"/images/icon.png"`
	URL   string `envconfig:"NOTIFICATION_URL"`
	// Tag lets a newer notification replace an older one on the device.
	Tag string `envconfig:"NOTIFICATION_TAG"`
	// MaxConcurrency caps in-flight deliveries per broadcast; 0 is unbounded.
	MaxConcurrency int `envconfig:"DISPATCH_MAX_CONCURRENCY" default:"0"`
	// DeliveryTimeout bounds one delivery attempt; 0 disables the bound.
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"30s"`
}

type Env struct {
	BaseEnv
	StoreEnv
	VAPIDEnv
	NotificationEnv
}

const namespace = "PUSHCAST"

// LoadEnv reads a .env file when one exists, then the process environment.
// Variables already set in the environment win over the file.
func LoadEnv(dotenvFiles ...string) (*Env, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Env) Validate() error {
	switch e.Mode {
	case ModeServer, ModeOnDemand:
	default:
		return fmt.Errorf("invalid MODE %q: want %q or %q", e.Mode, ModeServer, ModeOnDemand)
	}
	return e.StoreEnv.Validate()
}

func (e *StoreEnv) Validate() error {
	switch e.Type {
	case StoreMongo:
		if e.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo store")
		}
	case StorePostgres:
		if e.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case StoreS3:
		if e.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 store")
		}
	case StoreSQLite, StoreLocal:
	default:
		return fmt.Errorf("unknown STORE_TYPE %q", e.Type)
	}
	return nil
}

// Configured reports whether the full VAPID identity is present.
func (e *VAPIDEnv) Configured() bool {
	return e.VAPIDSubject != "" && e.VAPIDPublicKey != "" && e.VAPIDPrivateKey != ""
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func (e *BaseEnv) OnDemand() bool {
	return e.Mode == ModeOnDemand
}
