package docmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend  string       `mapstructure:"backend"`
	Mongo    MongoConfig  `mapstructure:"mongo"`
	Postgres PGConfig     `mapstructure:"postgres"`
	Badger   BadgerConfig `mapstructure:"badger"`
	Log      LogConfig    `mapstructure:"log"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"inmemory"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendMemory)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "docmap")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.database", "postgres")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("badger.path", "./data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadConfig reads the optional config files in order, then environment
// variables named after prefix: with prefix "DOCMAP_", DOCMAP_MONGO_URI sets
// mongo.uri.
func LoadConfig(prefix string, files ...string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, file := range files {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 || prefixUpper == "" || !strings.HasPrefix(pair[0], prefixUpper) {
			continue
		}

		// DOCMAP_POSTGRES_HOST -> postgres.host
		propKey := strings.TrimPrefix(pair[0], prefixUpper)
		propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
		propKey = strings.TrimPrefix(propKey, ".")
		v.Set(propKey, pair[1])
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Open connects the configured backend. The returned func releases it.
func Open(ctx context.Context, cfg Config) (Store, func() error, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(), func() error { return nil }, nil

	case BackendBadger:
		s, err := OpenBadger(cfg.Badger.Path, cfg.Badger.InMemory)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case BackendMongo:
		client, err := ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() error { return client.Disconnect(context.Background()) }
		return NewMongoStore(client.Database(cfg.Mongo.Database)), closeFn, nil

	case BackendPostgres:
		db, err := ConnectPostgresql(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to ping postgresql: %w", err)
		}
		return NewPostgresStore(db), db.Close, nil
	}

	return nil, nil, invalidArgf("unknown backend %q", cfg.Backend)
}
