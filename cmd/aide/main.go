// Command aide runs the living-page editing service: it owns page documents
// in MongoDB, drives tiered model turns over streaming tool calls, fans
// deltas out to subscribers and traces every turn in the flight recorder.
//
// Configuration is read from the environment (prefix AIDE_):
//
//	AIDE_HTTP_ADDR           - HTTP listen address (default ":8080")
//	AIDE_MONGO_URL           - MongoDB connection string (default "mongodb://localhost:27017")
//	AIDE_MONGO_DB            - database name (default "aide")
//	AIDE_PUBLIC_BASE_URL     - base URL for published pages (default "http://localhost:8080/p")
//	AIDE_FOOTER_HTML         - footer injected on free-tier publishes
//	AIDE_REDIS_URL           - Redis address for Pulse frame forwarding (optional)
//	AIDE_REDIS_PASSWORD      - Redis password (optional)
//	AIDE_PROVIDER            - "anthropic" or "bedrock" (default "anthropic")
//	AIDE_ANTHROPIC_API_KEY   - Anthropic API key (provider anthropic)
//	AIDE_AWS_REGION          - AWS region (provider bedrock)
//	AIDE_MODEL_L2            - compiler tier model identifier
//	AIDE_MODEL_L3            - architect tier model identifier
//	AIDE_MODEL_L4            - analyst tier model identifier
//	AIDE_SHADOW_L3           - shadow model for the architect tier (optional)
//	AIDE_SHADOW_L4           - shadow model for the analyst tier (optional)
//	AIDE_TIER_TIMEOUT        - per-call wall clock bound (default "60s")
//	AIDE_RATE_LIMIT_TPM      - provider tokens-per-minute budget (default 60000)
//	AIDE_RECORDER_QUEUE      - flight recorder queue capacity (default 10000)
//	AIDE_RECORDER_BATCH      - flight recorder flush batch size (default 100)
//	AIDE_RECORDER_INTERVAL   - flight recorder flush interval (default "60s")
//	AIDE_RECORDER_PATH       - JSONL fallback path when Mongo is not used
//	AIDE_BLUEPRINT_PATH      - YAML blueprint template file (optional)
//	AIDE_DEBUG               - verbose logging when set
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aide",
		Short:         "aide runs the living-page editing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newPageCmd())
	return root
}

// config centralizes environment lookup through viper.
func config() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("mongo_url", "mongodb://localhost:27017")
	v.SetDefault("mongo_db", "aide")
	v.SetDefault("public_base_url", "http://localhost:8080/p")
	v.SetDefault("provider", "anthropic")
	v.SetDefault("model_l2", "claude-3-5-haiku-latest")
	v.SetDefault("model_l3", "claude-sonnet-4-5")
	v.SetDefault("model_l4", "claude-opus-4-1")
	v.SetDefault("tier_timeout", "60s")
	v.SetDefault("rate_limit_tpm", 60000)
	v.SetDefault("recorder_queue", 10000)
	v.SetDefault("recorder_batch", 100)
	v.SetDefault("recorder_interval", "60s")
	return v
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d := v.GetDuration(key)
	if d <= 0 {
		return fallback
	}
	return d
}
