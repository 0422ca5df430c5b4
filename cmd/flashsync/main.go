package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/flashcastr/flashsync/internal/common"
	"github.com/flashcastr/flashsync/internal/common/app"
	"github.com/flashcastr/flashsync/internal/flashsync"
	"github.com/flashcastr/flashsync/internal/flashsync/configuration"
)

const (
	CustomConfigLocation = "config"
	RunOnce              = "once"
)

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Bool(RunOnce, false, "Run a single sync pass and exit instead of running on a schedule")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.FlashsyncConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/flashsync", userSpecifiedConfigs)

	ctx := app.CreateContextWithShutdown()

	if viper.GetBool(RunOnce) {
		if err := flashsync.RunOnce(ctx, &config); err != nil {
			log.Fatalf("Sync run failed: %v", err)
		}
		return
	}

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	if err := flashsync.Run(ctx, &config); err != nil {
		log.Fatalf("Flashsync failed: %v", err)
	}
}
