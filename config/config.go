package config

import (
	"errors"
	"flag"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "FIELD_SURVEY_"

type Config struct {
	Addr    string
	Env     string
	Debug   bool
	LogJSON bool

	DBDriver string
	DBUrl    string

	TokenSecret string
	TokenTTL    time.Duration

	RateLimit  int
	RateWindow time.Duration
	RateStore  string

	RetryAttempts   int
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	StoreTimeout    time.Duration
	AnswerChunkSize int

	QuestionnaireCacheSize int
	QuestionnaireCacheTTL  time.Duration

	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	TelemetryTimeout time.Duration

	Metrics bool
}

// ParseFlags reads the command line, falling back to FIELD_SURVEY_* variables
// (optionally loaded from a .env file) for any flag not given explicitly.
func ParseFlags(args []string) (cfg Config, err error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("field-survey", flag.ContinueOnError)

	host := fs.String("host", "0.0.0.0", "listen host name")
	port := fs.Uint("port", 8080, "listen port number")
	fs.StringVar(&cfg.Env, "env", "development", "deployment environment (production hides internal error messages)")
	fs.BoolVar(&cfg.Debug, "debug", false, "log at DEBUG level")
	fs.BoolVar(&cfg.LogJSON, "log-json", false, "log as JSON lines")

	fs.StringVar(&cfg.DBDriver, "db-driver", "sqlite3", "database driver (sqlite3 or pgx)")
	fs.StringVar(&cfg.DBUrl, "db-url", "fsurvey.sqlite", "database file path or connection URL")

	fs.StringVar(&cfg.TokenSecret, "token-secret", "", "HS256 secret shared with the identity provider")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", 8*time.Hour, "lifetime of tokens issued by /api/login")

	fs.IntVar(&cfg.RateLimit, "rate-limit", 50, "submission attempts allowed per caller per window")
	fs.DurationVar(&cfg.RateWindow, "rate-window", 15*time.Minute, "rate limit window")
	fs.StringVar(&cfg.RateStore, "rate-store", "memory", "rate limit counter store (memory or sql)")

	fs.IntVar(&cfg.RetryAttempts, "retry-attempts", 3, "attempts per store operation, including the first")
	fs.DurationVar(&cfg.RetryMinBackoff, "retry-min-backoff", 100*time.Millisecond, "first retry delay")
	fs.DurationVar(&cfg.RetryMaxBackoff, "retry-max-backoff", 2*time.Second, "retry delay ceiling")
	fs.DurationVar(&cfg.StoreTimeout, "store-timeout", 5*time.Second, "timeout of a single store call")
	fs.IntVar(&cfg.AnswerChunkSize, "answer-chunk-size", 25, "answers inserted per statement")

	fs.IntVar(&cfg.QuestionnaireCacheSize, "questionnaire-cache-size", 256, "questionnaire structures kept in memory")
	fs.DurationVar(&cfg.QuestionnaireCacheTTL, "questionnaire-cache-ttl", time.Minute, "questionnaire structure cache TTL")

	fs.StringVar(&cfg.InfluxURL, "influx-url", "", "InfluxDB URL for submission telemetry (disabled when empty)")
	fs.StringVar(&cfg.InfluxToken, "influx-token", "", "InfluxDB API token")
	fs.StringVar(&cfg.InfluxOrg, "influx-org", "field-survey", "InfluxDB organization")
	fs.StringVar(&cfg.InfluxBucket, "influx-bucket", "submissions", "InfluxDB bucket")
	fs.DurationVar(&cfg.TelemetryTimeout, "telemetry-timeout", 5*time.Second, "timeout of a telemetry write")

	fs.BoolVar(&cfg.Metrics, "metrics", true, "expose Prometheus metrics on /metrics")

	if err = fs.Parse(args); err != nil {
		return
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		if v, ok := os.LookupEnv(envName(f.Name)); ok {
			if e := fs.Set(f.Name, v); e != nil && err == nil {
				err = errors.New("invalid " + envName(f.Name) + ": " + e.Error())
			}
		}
	})
	if err != nil {
		return
	}

	cfg.Addr = net.JoinHostPort(*host, strconv.Itoa(int(*port)))
	err = cfg.validate()
	return
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (cfg Config) validate() error {
	switch {
	case cfg.TokenSecret == "":
		return errors.New("missing parameter -token-secret")
	case cfg.DBDriver != "sqlite3" && cfg.DBDriver != "pgx":
		return errors.New("-db-driver must be sqlite3 or pgx")
	case cfg.RateStore != "memory" && cfg.RateStore != "sql":
		return errors.New("-rate-store must be memory or sql")
	case cfg.RateLimit < 1:
		return errors.New("-rate-limit must be positive")
	case cfg.RetryAttempts < 1:
		return errors.New("-retry-attempts must be at least 1")
	case cfg.AnswerChunkSize < 1:
		return errors.New("-answer-chunk-size must be positive")
	}
	return nil
}

func (cfg Config) Production() bool {
	return cfg.Env == "production"
}

func (cfg Config) Url() (url string) {
	url = cfg.Addr
	url = regexp.MustCompile(`^0.0.0.0`).ReplaceAllString(url, "localhost")
	url = "http://" + url
	return
}
