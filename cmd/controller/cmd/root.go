package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/lexfrei/header-routing-controller/internal/config"
	"github.com/lexfrei/header-routing-controller/internal/controller"
)

//nolint:gochecknoglobals // set by SetVersion from main
var (
	version = "development"
	gitsha  = "development"
)

func SetVersion(ver, sha string) {
	version = ver
	gitsha = sha
}

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "header-routing-controller",
	Short: "Header-based routing controller for developer pods",
	Long: `A Kubernetes controller that routes requests carrying a developer header
to annotated pods. It places an Envoy proxy in front of every targeted Service
and clones the Ingresses and Traefik IngressRoutes that reach it.`,
	RunE:          runController,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	rootCmd.Flags().String("namespace", "", "Namespace to watch and mutate (or use ROUTING_NAMESPACE env var)")
	rootCmd.Flags().String("envoy-image", config.DefaultEnvoyImage, "Container image for generated Envoy deployments")
	rootCmd.Flags().Duration("debounce", config.DefaultDebounce, "Quiet period after the last event before a refresh")
	rootCmd.Flags().Duration("max-refresh-delay", config.DefaultMaxRefreshDelay,
		"Longest delay between an event and a refresh under continuous churn")
	rootCmd.Flags().Duration("readiness-timeout", config.DefaultReadinessTimeout,
		"How long to wait for an Envoy deployment before cut-over")
	rootCmd.Flags().Duration("pod-ip-timeout", config.DefaultPodIPTimeout, "How long to wait for a trigger pod IP")
	rootCmd.Flags().String("ingressroute-api-version", config.DefaultIngressRouteAPIVersion,
		"Group/version of the Traefik IngressRoute CRD")
	rootCmd.Flags().StringSlice("ingress-controller-images", config.DefaultIngressControllerImages,
		"Image substrings that mark a LoadBalancer service as an ingress controller")
	rootCmd.Flags().String("metrics-addr", ":8080", "Address for metrics endpoint")
	rootCmd.Flags().String("health-addr", ":8081", "Address for health probe endpoint")

	// Leader election flags
	rootCmd.Flags().Bool("leader-elect", false, "Enable leader election for high availability")
	rootCmd.Flags().String("leader-election-namespace", "", "Namespace for leader election lease (defaults to --namespace)")
	rootCmd.Flags().String("leader-election-name", "header-routing-controller-leader", "Name of the leader election lease")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("ROUTING")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("envoy-image", config.DefaultEnvoyImage)
	viper.SetDefault("debounce", config.DefaultDebounce)
	viper.SetDefault("max-refresh-delay", config.DefaultMaxRefreshDelay)
	viper.SetDefault("readiness-timeout", config.DefaultReadinessTimeout)
	viper.SetDefault("pod-ip-timeout", config.DefaultPodIPTimeout)
	viper.SetDefault("ingressroute-api-version", config.DefaultIngressRouteAPIVersion)
	viper.SetDefault("metrics-addr", ":8080")
	viper.SetDefault("health-addr", ":8081")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
	viper.SetDefault("leader-elect", false)
	viper.SetDefault("leader-election-name", "header-routing-controller-leader")
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo

	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if viper.GetString("log-format") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func optionsFromViper() config.Options {
	return config.Options{
		Namespace:               viper.GetString("namespace"),
		EnvoyImage:              viper.GetString("envoy-image"),
		Debounce:                viper.GetDuration("debounce"),
		MaxRefreshDelay:         viper.GetDuration("max-refresh-delay"),
		ReadinessTimeout:        viper.GetDuration("readiness-timeout"),
		PodIPTimeout:            viper.GetDuration("pod-ip-timeout"),
		IngressRouteAPIVersion:  viper.GetString("ingressroute-api-version"),
		IngressControllerImages: viper.GetStringSlice("ingress-controller-images"),
	}
}

//nolint:noinlineerr // inline error handling is fine here
func runController(_ *cobra.Command, _ []string) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	ctrl.SetLogger(logr.FromSlogHandler(logger.Handler()))

	logger.Info("starting header-routing-controller",
		"version", version,
		"gitsha", gitsha,
	)

	opts := optionsFromViper().WithDefaults()
	if opts.Namespace == "" {
		return errors.New("namespace is required (use --namespace or ROUTING_NAMESPACE env var)")
	}

	if err := opts.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	cfg := controller.Config{
		Options:     opts,
		MetricsAddr: viper.GetString("metrics-addr"),
		HealthAddr:  viper.GetString("health-addr"),

		LeaderElect:     viper.GetBool("leader-elect"),
		LeaderElectNS:   viper.GetString("leader-election-namespace"),
		LeaderElectName: viper.GetString("leader-election-name"),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := controller.Run(ctx, &cfg); err != nil {
		return errors.Wrap(err, "failed to run controller")
	}

	return nil
}
