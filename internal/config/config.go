package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	ListenAddr     string
	AllowedOrigins []string

	RedisURL    string
	DatabaseURL string
	NatsURL     string

	JudgeBaseURL string
	JudgeToken   string
	JudgeTimeout time.Duration

	MessageOverrideDir string

	// STATIC_USERS/DEV_START_BALANCE seed the in-memory stores when
	// DATABASE_URL is unset.
	StaticUsers     string
	DevStartBalance int64

	LockTTL  time.Duration
	LockWait time.Duration

	CountdownSeconds          int
	DisconnectGrace           time.Duration
	PostGameLock              time.Duration
	SubmitCooldown            time.Duration
	DefaultMaxDurationMinutes int

	BaseScore          int64
	TimeBonusPerSecond int64

	PasswordMaxAttempts int
	PasswordWindow      time.Duration
	PasswordLockout     time.Duration

	PenaltyDuration time.Duration

	RecoveryInterval       time.Duration
	RecoveryCountdownGrace time.Duration
	RecoveryRunningGrace   time.Duration
}

func Load() (*AppConfig, error) {
	// .env 파일은 선택 사항
	_ = godotenv.Load()

	cfg := &AppConfig{
		ListenAddr:                ":8080",
		JudgeTimeout:              10 * time.Second,
		LockTTL:                   5 * time.Second,
		LockWait:                  3 * time.Second,
		CountdownSeconds:          5,
		DisconnectGrace:           15 * time.Second,
		PostGameLock:              10 * time.Second,
		SubmitCooldown:            5 * time.Second,
		DefaultMaxDurationMinutes: 30,
		BaseScore:                 1000,
		TimeBonusPerSecond:        10,
		PasswordMaxAttempts:       5,
		PasswordWindow:            time.Minute,
		PasswordLockout:           5 * time.Minute,
		PenaltyDuration:           10 * time.Minute,
		DevStartBalance:           1000,
		RecoveryInterval:          30 * time.Second,
		RecoveryCountdownGrace:    time.Minute,
		RecoveryRunningGrace:      2 * time.Minute,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.NatsURL = strings.TrimSpace(os.Getenv("NATS_URL"))

	cfg.JudgeBaseURL = strings.TrimSpace(os.Getenv("JUDGE_BASE_URL"))
	cfg.JudgeToken = strings.TrimSpace(os.Getenv("JUDGE_TOKEN"))
	cfg.MessageOverrideDir = strings.TrimSpace(os.Getenv("MSG_OVERRIDE_DIR"))
	cfg.StaticUsers = strings.TrimSpace(os.Getenv("STATIC_USERS"))

	durationVar("JUDGE_TIMEOUT", &cfg.JudgeTimeout)
	durationVar("LOCK_TTL", &cfg.LockTTL)
	durationVar("LOCK_WAIT", &cfg.LockWait)
	durationVar("DISCONNECT_GRACE", &cfg.DisconnectGrace)
	durationVar("POST_GAME_LOCK", &cfg.PostGameLock)
	durationVar("SUBMIT_COOLDOWN", &cfg.SubmitCooldown)
	durationVar("PASSWORD_WINDOW", &cfg.PasswordWindow)
	durationVar("PASSWORD_LOCKOUT", &cfg.PasswordLockout)
	durationVar("PENALTY_DURATION", &cfg.PenaltyDuration)
	durationVar("RECOVERY_INTERVAL", &cfg.RecoveryInterval)
	durationVar("RECOVERY_COUNTDOWN_GRACE", &cfg.RecoveryCountdownGrace)
	durationVar("RECOVERY_RUNNING_GRACE", &cfg.RecoveryRunningGrace)

	intVar("COUNTDOWN_SECONDS", &cfg.CountdownSeconds)
	intVar("DEFAULT_MAX_DURATION_MIN", &cfg.DefaultMaxDurationMinutes)
	intVar("PASSWORD_MAX_ATTEMPTS", &cfg.PasswordMaxAttempts)

	if v := strings.TrimSpace(os.Getenv("BASE_SCORE")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.BaseScore = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEV_START_BALANCE")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.DevStartBalance = n
		}
	}
	// 시간 보너스 계수: 긴 대전에서 기본 점수를 압도할 수 있어 운영에서 조정한다.
	if v := strings.TrimSpace(os.Getenv("TIME_BONUS_PER_SECOND")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.TimeBonusPerSecond = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.LockWait <= 0 || cfg.LockTTL <= 0 {
		return nil, errors.New("LOCK_TTL and LOCK_WAIT must be positive")
	}

	return cfg, nil
}

// durationVar accepts Go durations ("15s") or bare seconds ("15").
func durationVar(key string, dst *time.Duration) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
	}
}

func intVar(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
