package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	Hostname string `env:"DRIP_HOSTNAME" envDefault:"localhost"` // used in message-ids and unsubscribe links

	DbURI string `env:"DRIP_DB_URI" envDefault:"./drip.sqlite"`

	APIPort         int      `env:"DRIP_API_PORT" envDefault:"8080"`
	APIAutoTLS      bool     `env:"DRIP_API_AUTO_TLS" envDefault:"false"` // echo AutoTLSManager certificate for DRIP_HOSTNAME
	APIAutoTLSEmail string   `env:"DRIP_API_AUTO_TLS_EMAIL"`              // account email for Let's Encrypt
	APIKeys         []string `env:"DRIP_API_KEYS" envSeparator:","`       // bearer tokens accepted by the trigger endpoint

	// Per-invocation batch caps. A single trigger always terminates; backlogs
	// drain across repeated invocations.
	CampaignBatch   int `env:"DRIP_CAMPAIGN_BATCH" envDefault:"5"`
	EnrollmentBatch int `env:"DRIP_ENROLLMENT_BATCH" envDefault:"50"`
	RetryBatch      int `env:"DRIP_RETRY_BATCH" envDefault:"25"`

	GlobalRatePerMinute int           `env:"DRIP_GLOBAL_RATE_PER_MINUTE" envDefault:"60"`
	MaxInlineWait       time.Duration `env:"DRIP_MAX_INLINE_WAIT" envDefault:"5s"` // longer global-limiter waits end the batch instead of sleeping

	BounceThresholdDefault int     `env:"DRIP_BOUNCE_THRESHOLD_DEFAULT" envDefault:"5"`
	HealthRatio            float64 `env:"DRIP_HEALTH_RATIO" envDefault:"0.1"`
	HealthMinAttempts      int     `env:"DRIP_HEALTH_MIN_ATTEMPTS" envDefault:"20"`
	HealthCheckEvery       int     `env:"DRIP_HEALTH_CHECK_EVERY" envDefault:"10"`

	DuplicateWindow    time.Duration `env:"DRIP_DUPLICATE_WINDOW" envDefault:"24h"`
	DuplicateSlowAfter int           `env:"DRIP_DUPLICATE_SLOW_AFTER" envDefault:"25"`

	ReaperAge time.Duration `env:"DRIP_REAPER_AGE" envDefault:"2h"` // sending-campaigns older than this are re-scheduled

	DryRun bool `env:"DRIP_DRY_RUN" envDefault:"true"` // log sends instead of using a real transport

	MetricsPoll         bool   `env:"DRIP_METRICS_POLL" envDefault:"true"`
	MetricsPollUser     string `env:"DRIP_METRICS_POLL_BASIC_AUTH_USER"`
	MetricsPollPassword string `env:"DRIP_METRICS_POLL_BASIC_AUTH_PASS"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
