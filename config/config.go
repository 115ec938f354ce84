package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SecurityConfig struct {
	JWTSecret        string
	JWTTTL           time.Duration
	LockoutThreshold int
	LockoutWindow    time.Duration
}

type OTPConfig struct {
	TTL         time.Duration
	MaxAttempts int
}

type VisitConfig struct {
	ProximityRadiusMeters float64
}

type ReservationConfig struct {
	HoldWindow    time.Duration
	SweepSchedule string
}

type AppConfig struct {
	Environment string
	HTTP        HTTPConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Security    SecurityConfig
	OTP         OTPConfig
	Visit       VisitConfig
	Reservation ReservationConfig
}

// Load reads config.yaml if present and overlays PROPFLOW_* environment
// variables on top of the programmatic defaults.
func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PROPFLOW")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.maxconns", 30)
	v.SetDefault("postgres.minconns", 2)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("security.jwtttl", "24h")
	v.SetDefault("security.lockoutthreshold", 5)
	v.SetDefault("security.lockoutwindow", "15m")

	v.SetDefault("otp.ttl", "10m")
	v.SetDefault("otp.maxattempts", 5)

	v.SetDefault("visit.proximityradiusmeters", 75)

	// 30-day hold, swept hourly.
	v.SetDefault("reservation.holdwindow", "720h")
	v.SetDefault("reservation.sweepschedule", "0 * * * *")
}
