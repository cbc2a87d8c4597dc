package cmd

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// config holds the defaults of every command. They come from PFMAILBOX_*
// environment variables, which may be set in a .env file in the working
// directory.
type config struct {
	Verbose       bool
	TickInterval  time.Duration
	MaxPayload    int
	Interrupts    bool
	TraceDB       string
	ClickHouse    string
	MonitorPort   int
	RecvRateLimit int
}

var cfg = loadConfig()

func loadConfig() config {
	cfg := config{
		TickInterval:  20 * time.Millisecond,
		Interrupts:    true,
		RecvRateLimit: 600000,
	}

	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env: %v", err)
	}

	cfg.Verbose = envBool("PFMAILBOX_VERBOSE", cfg.Verbose)
	cfg.TickInterval = envDuration("PFMAILBOX_TICK", cfg.TickInterval)
	cfg.MaxPayload = envInt("PFMAILBOX_MAX_PAYLOAD", cfg.MaxPayload)
	cfg.Interrupts = envBool("PFMAILBOX_INTERRUPTS", cfg.Interrupts)
	cfg.TraceDB = envString("PFMAILBOX_TRACE_DB", cfg.TraceDB)
	cfg.ClickHouse = envString("PFMAILBOX_TRACE_CLICKHOUSE", cfg.ClickHouse)
	cfg.MonitorPort = envInt("PFMAILBOX_MONITOR_PORT", cfg.MonitorPort)
	cfg.RecvRateLimit = envInt("PFMAILBOX_RECV_RATE_LIMIT", cfg.RecvRateLimit)

	return cfg
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}

	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", key, v, err)
		return def
	}

	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", key, v, err)
		return def
	}

	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", key, v, err)
		return def
	}

	return d
}
