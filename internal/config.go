package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

type Config struct {
	Host           string `env:"HOST,default=0.0.0.0"`
	Port           int    `env:"PORT,default=8080"`
	LogLevel       string `env:"LOG_LEVEL,default=INFO"`
	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	BlugeFilepath  string `env:"BLUGE_FILEPATH,required=true"`
	BlobDir        string `env:"BLOB_DIR,required=true"`

	JWTSecret         string        `env:"JWT_SECRET,required=true"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`

	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256"`
	CommandBufferSize    int           `env:"COMMAND_BUFFER_SIZE,default=1024"`
	DefaultPageSize      int           `env:"DEFAULT_PAGE_SIZE,default=50"`
	MaxPageSize          int           `env:"MAX_PAGE_SIZE,default=200"`
	MaxContentLength     int           `env:"MAX_CONTENT_LENGTH,default=4096"`
	TypingTTL            time.Duration `env:"TYPING_TTL,default=5s"`
	TypingSweepInterval  time.Duration `env:"TYPING_SWEEP_INTERVAL,default=1s"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	MetricInterval       time.Duration `env:"METRIC_INTERVAL,default=30s"`

	CensoredWords   string `env:"CENSORED_WORDS"`
	CharReplacement string `env:"CHARACTER_REPLACEMENT,default=*"`
	MaxFileSize     int64  `env:"MAX_FILE_SIZE,default=10485760"`
	AllowedOrigins  string `env:"ALLOWED_ORIGINS"`
}

// LoadConfig reads a .env file when one is present, then the environment.
func LoadConfig(files ...string) (Config, error) {
	var config Config
	if err := godotenv.Load(files...); err != nil {
		// A missing .env is the normal case in containers
		if len(files) > 0 {
			return config, fmt.Errorf("env file: %w", err)
		}
	}
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return config, fmt.Errorf("config error: %w", err)
	}
	if config.DefaultPageSize <= 0 || config.MaxPageSize < config.DefaultPageSize {
		return config, fmt.Errorf("config error: page sizes %d/%d", config.DefaultPageSize, config.MaxPageSize)
	}
	return config, nil
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Words splits CENSORED_WORDS on commas.
func (c Config) Words() []string {
	return splitList(c.CensoredWords)
}

// Origins splits ALLOWED_ORIGINS on commas. Empty means same origin only.
func (c Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

func splitList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(w string, _ int) string {
		return strings.TrimSpace(w)
	}))
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
