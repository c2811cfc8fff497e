package cmd

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func logLevelFlag(v *viper.Viper) string {
	return v.GetString("log.level")
}

func addLogLevelFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("log-level", "info", "log level")
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

func logFormatFlag(v *viper.Viper) string {
	return v.GetString("log.format")
}

func addLogFormatFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("log-format", "json", "log format")
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindEnv("log.format", "LOG_FORMAT")
}

func addressFlag(v *viper.Viper) string {
	return v.GetString("address")
}

func addAddressFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("address", ":8080", "Address to bind to (host:port)")
	_ = v.BindPFlag("address", flags.Lookup("address"))
	_ = v.BindEnv("address", "PACKAGE_SERVER_ADDRESS")
}

func basePathFlag(v *viper.Viper) string {
	return v.GetString("base_path")
}

func addBasePathFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("base-path", "", "Base path to mount the API on")
	_ = v.BindPFlag("base_path", flags.Lookup("base-path"))
	_ = v.BindEnv("base_path", "PACKAGE_SERVER_BASE_PATH")
}

func publicURLFlag(v *viper.Viper) string {
	return v.GetString("public_url")
}

func addPublicURLFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("public-url", "", "External base URL used in served archive URLs, defaults to the request host")
	_ = v.BindPFlag("public_url", flags.Lookup("public-url"))
	_ = v.BindEnv("public_url", "PACKAGE_SERVER_PUBLIC_URL")
}

func storageTypeFlag(v *viper.Viper) string {
	return v.GetString("storage.type")
}

func addStorageTypeFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("storage-type", "filesystem", "Storage backend to use (filesystem, blob)")
	_ = v.BindPFlag("storage.type", flags.Lookup("storage-type"))
	_ = v.BindEnv("storage.type", "PACKAGE_SERVER_STORAGE_TYPE")
}

func storageDirFlag(v *viper.Viper) string {
	return v.GetString("storage.dir")
}

func addStorageDirFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("storage-dir", "/var/lib/packageserver", "Where filesystem storage puts its data")
	_ = v.BindPFlag("storage.dir", flags.Lookup("storage-dir"))
	_ = v.BindEnv("storage.dir", "PACKAGE_SERVER_STORAGE_DIR")
}

func storageBlobBucketFlag(v *viper.Viper) string {
	return v.GetString("storage.blob.bucket")
}

func addStorageBlobBucketFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("storage-blob-bucket", "", "Bucket URL for blob storage (gs://, s3://, azblob://)")
	_ = v.BindPFlag("storage.blob.bucket", flags.Lookup("storage-blob-bucket"))
	_ = v.BindEnv("storage.blob.bucket", "PACKAGE_SERVER_STORAGE_BLOB_BUCKET")
}

func storageBlobPrefixFlag(v *viper.Viper) string {
	return v.GetString("storage.blob.prefix")
}

func addStorageBlobPrefixFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("storage-blob-prefix", "", "Key prefix below which blob storage stores its data")
	_ = v.BindPFlag("storage.blob.prefix", flags.Lookup("storage-blob-prefix"))
	_ = v.BindEnv("storage.blob.prefix", "PACKAGE_SERVER_STORAGE_BLOB_PREFIX")
}

func upstreamURLFlag(v *viper.Viper) string {
	return v.GetString("upstream.url")
}

func addUpstreamURLFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("upstream-url", "https://pub.dev", "Base URL of the public index to proxy")
	_ = v.BindPFlag("upstream.url", flags.Lookup("upstream-url"))
	_ = v.BindEnv("upstream.url", "PACKAGE_SERVER_UPSTREAM_URL")
}

func upstreamTimeoutFlag(v *viper.Viper) time.Duration {
	return v.GetDuration("upstream.timeout")
}

func addUpstreamTimeoutFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Duration("upstream-timeout", 30*time.Second, "Timeout for requests against the upstream index")
	_ = v.BindPFlag("upstream.timeout", flags.Lookup("upstream-timeout"))
	_ = v.BindEnv("upstream.timeout", "PACKAGE_SERVER_UPSTREAM_TIMEOUT")
}

func cacheTTLFlag(v *viper.Viper) time.Duration {
	return v.GetDuration("cache.ttl")
}

func addCacheTTLFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Duration("cache-ttl", time.Hour, "How long cached public metadata stays fresh (0 = never refresh)")
	_ = v.BindPFlag("cache.ttl", flags.Lookup("cache-ttl"))
	_ = v.BindEnv("cache.ttl", "PACKAGE_SERVER_CACHE_TTL")
}

func authTokenFlag(v *viper.Viper) string {
	return v.GetString("auth.token")
}

func addAuthTokenFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("auth-token", "", "Bearer token required for publishing (empty disables publishing)")
	_ = v.BindPFlag("auth.token", flags.Lookup("auth-token"))
	_ = v.BindEnv("auth.token", "PACKAGE_SERVER_AUTH_TOKEN")
}

func privateAuthFlag(v *viper.Viper) bool {
	return v.GetBool("auth.private")
}

func addPrivateAuthFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Bool("private-auth", false, "Require the auth token to download private packages")
	_ = v.BindPFlag("auth.private", flags.Lookup("private-auth"))
	_ = v.BindEnv("auth.private", "PACKAGE_SERVER_PRIVATE_AUTH")
}

func gzipLevelFlag(v *viper.Viper) int {
	return v.GetInt("gzip.level")
}

func addGzipLevelFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Int("gzip-level", -1, "GZip compression level for responses (-1 for the default level)")
	_ = v.BindPFlag("gzip.level", flags.Lookup("gzip-level"))
	_ = v.BindEnv("gzip.level", "PACKAGE_SERVER_GZIP_LEVEL")
}

func gracefulPeriodFlag(v *viper.Viper) time.Duration {
	return v.GetDuration("graceful_period")
}

func addGracefulPeriodFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Duration("graceful-period", 30*time.Second, "Duration to wait for open requests during shutdown")
	_ = v.BindPFlag("graceful_period", flags.Lookup("graceful-period"))
	_ = v.BindEnv("graceful_period", "PACKAGE_SERVER_GRACEFUL_PERIOD")
}

func otelEnabledFlag(v *viper.Viper) bool {
	return v.GetBool("otel.enabled")
}

func addOtelEnabledFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Bool("otel-enabled", false, "Enable otel service")
	_ = v.BindPFlag("otel.enabled", flags.Lookup("otel-enabled"))
	_ = v.BindEnv("otel.enabled", "OTEL_ENABLED")
}

func serviceHealthzEnabledFlag(v *viper.Viper) bool {
	return v.GetBool("service.healthz.enabled")
}

func addServiceHealthzEnabledFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Bool("service-healthz-enabled", false, "Enable healthz service")
	_ = v.BindPFlag("service.healthz.enabled", flags.Lookup("service-healthz-enabled"))
}

func servicePrometheusEnabledFlag(v *viper.Viper) bool {
	return v.GetBool("service.prometheus.enabled")
}

func addServicePrometheusEnabledFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Bool("service-prometheus-enabled", false, "Enable prometheus service")
	_ = v.BindPFlag("service.prometheus.enabled", flags.Lookup("service-prometheus-enabled"))
}

func servicePProfEnabledFlag(v *viper.Viper) bool {
	return v.GetBool("service.pprof.enabled")
}

func addServicePProfEnabledFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Bool("service-pprof-enabled", false, "Enable pprof service")
	_ = v.BindPFlag("service.pprof.enabled", flags.Lookup("service-pprof-enabled"))
}
