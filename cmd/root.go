package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/banner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/config"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/dummy"
)

// Exit codes.
const (
	ExitAborted = 1
	ExitConfig  = 2
)

// exitError carries the process exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var (
	cfgFile   string
	configErr error
)

var rootCmd = &cobra.Command{
	Use:   "stackload",
	Short: "stackload - weighted load across registry, artifact, secrets and identity backends",
	Long: `
stackload drives a time-phased arrival rate against several backends at
once, splitting every stage between them by weight, and stops early when
the rolling failure rate exhausts the error budget.

Running without a subcommand is the same as "stackload run".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRun,
}

func Execute() {
	// Custom Help with Banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(ExitConfig)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stackload.yaml)")
	addRunFlags(rootCmd)
	addRunFlags(runCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(dummyCmd)
}

func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)
	config.BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
			v.SetConfigType("yaml")
			v.SetConfigName(".stackload")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = fmt.Errorf("config: read: %w", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// --- Dummy Subcommand ---
var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Serve fake registry, artifact, secrets and identity backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		port, _ := f.GetInt("port")
		failRate, _ := f.GetFloat64("fail-rate")
		latency, _ := f.GetDuration("latency")
		user, _ := f.GetString("username")
		pass, _ := f.GetString("password")
		token, _ := f.GetString("token")

		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signalContext()
		defer stop()

		srv := dummy.Start(dummy.ServerConfig{
			Port:     port,
			FailRate: failRate,
			Latency:  latency,
			Username: user,
			Password: pass,
			Token:    token,
		}, logger)
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	dummyCmd.Flags().IntP("port", "p", 8080, "Port to run dummy server on")
	dummyCmd.Flags().Float64("fail-rate", 0, "Share of requests answered with 500")
	dummyCmd.Flags().Duration("latency", 0, "Added delay per request")
	dummyCmd.Flags().String("username", "", "Basic auth user for registry/artifact (empty accepts any)")
	dummyCmd.Flags().String("password", "", "Basic auth password for registry/artifact")
	dummyCmd.Flags().String("token", "", "Token for the secrets endpoint (empty accepts any)")
}
