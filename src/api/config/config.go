package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultPayTo = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

// DevReceiptSecret signs receipts when RECEIPT_SECRET is unset. Tokens signed
// with it can be forged by anyone, so Validate refuses it outside local runs.
const DevReceiptSecret = "moltswarm-dev-receipt-secret"

type Config struct {
	MySQLDSN         string
	RedisURL         string
	Port             string
	ReceiptSecret    string
	AdminSecret      string
	PayTo            string
	PremiumPrice     string
	PaymentTTL       int
	VerifySignatures bool
	MoltbookBase     string
	DecayInterval    time.Duration
	CORSOrigins      []string
	TLSCert          string
	TLSKey           string
	SeedTasks        bool
}

// Lookup reads a named setting, typically from the settings table. It returns
// "" when the setting is absent.
type Lookup func(name string) string

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		if def == "" {
			log.Fatalf("missing env %s", key)
		}
		return def
	}
	return v
}

// setting resolves name from settings first, then envKey, then def.
func setting(lookup Lookup, name, envKey, def string) string {
	if lookup != nil {
		if v := lookup(name); v != "" {
			return v
		}
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return def
}

// Load builds the config from the environment, with lookup (may be nil)
// overriding the tunables that can live in the settings table.
func Load(lookup Lookup) Config {
	ttl, _ := strconv.Atoi(setting(lookup, "payment_ttl", "X402_TTL", "300"))
	verify, _ := strconv.ParseBool(setting(lookup, "verify_signatures", "X402_VERIFY_SIGNATURES", "true"))
	seed, _ := strconv.ParseBool(setting(lookup, "seed_tasks", "SEED_TASKS", "true"))
	decay, err := time.ParseDuration(setting(lookup, "decay_interval", "DECAY_INTERVAL", "1h"))
	if err != nil {
		decay = time.Hour
	}

	return Config{
		MySQLDSN:         os.Getenv("MYSQL_DSN"),
		RedisURL:         os.Getenv("REDIS_URL"),
		Port:             getenv("PORT", "8080"),
		ReceiptSecret:    getenv("RECEIPT_SECRET", DevReceiptSecret),
		AdminSecret:      os.Getenv("ADMIN_JWT_SECRET"),
		PayTo:            setting(lookup, "payto_address", "X402_PAYTO", defaultPayTo),
		PremiumPrice:     setting(lookup, "premium_price", "X402_PREMIUM_PRICE", "0.001"),
		PaymentTTL:       ttl,
		VerifySignatures: verify,
		MoltbookBase:     setting(lookup, "moltbook_base", "MOLTBOOK_BASE", "https://www.moltbook.com"),
		DecayInterval:    decay,
		CORSOrigins:      splitList(setting(lookup, "cors_origins", "CORS_ORIGINS", "http://localhost:3000")),
		TLSCert:          os.Getenv("TLS_CERT"),
		TLSKey:           os.Getenv("TLS_KEY"),
		SeedTasks:        seed,
	}
}

// Validate rejects the dev receipt secret on deployments that persist state or
// serve TLS, and warns about it on local runs.
func (c Config) Validate() error {
	if c.ReceiptSecret != DevReceiptSecret {
		return nil
	}
	if c.MySQLDSN != "" || c.TLSCert != "" {
		return errors.New("RECEIPT_SECRET must be set when MYSQL_DSN or TLS_CERT is configured")
	}
	log.Printf("config: RECEIPT_SECRET not set, receipts are signed with the dev secret")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
