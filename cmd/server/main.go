package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t-sync/tsync/internal/batch"
	"github.com/t-sync/tsync/internal/directory"
	"github.com/t-sync/tsync/internal/membership"
	"github.com/t-sync/tsync/internal/resolver"
	"github.com/t-sync/tsync/internal/server"
	"github.com/t-sync/tsync/internal/store"
)

const (
	commandUse              = "server"
	commandShortDescription = "Serve the validation pipeline over HTTP"
	envPrefix               = "TSYNC_SERVER"

	flagHostName            = "host"
	flagHostDescription     = "Host interface for the HTTP server"
	flagPortName            = "port"
	flagPortDescription     = "Port for the HTTP server"
	flagStoreName           = "store"
	flagStoreDescription    = "Path to the operator store database"
	flagGatewayName         = "gateway-url"
	flagGatewayDescription  = "Base URL of the identity gateway"
	flagPhotosName          = "photo-dir"
	flagPhotosDescription   = "Directory for downloaded profile photos (empty disables downloads)"
	flagWorkersName         = "max-operators"
	flagWorkersDescription  = "Maximum number of operator batches running concurrently"

	defaultHost       = "127.0.0.1"
	defaultPort       = 8080
	defaultStorePath  = "data/tsync.db"
	defaultGatewayURL = "http://127.0.0.1:8081"
	defaultWorkers    = 4

	errMessageLoggerCreate   = "create logger"
	errMessageStoreOpen      = "open operator store"
	errMessageListenAndServe = "listen and serve"

	logMessageStartingServer = "starting HTTP server"
	logMessageServerStopped  = "server stopped"
	logMessageListenError    = "server listen failure"
	logFieldAddress          = "address"
)

func main() {
	cobra.CheckErr(newServerCommand().Execute())
}

func newServerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runServerCommand,
	}

	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	command.Flags().String(flagStoreName, defaultStorePath, flagStoreDescription)
	command.Flags().String(flagGatewayName, defaultGatewayURL, flagGatewayDescription)
	command.Flags().String(flagPhotosName, "", flagPhotosDescription)
	command.Flags().Int(flagWorkersName, defaultWorkers, flagWorkersDescription)

	for _, flagName := range []string{flagHostName, flagPortName, flagStoreName, flagGatewayName, flagPhotosName, flagWorkersName} {
		bindFlagToViper(command, flagName)
	}

	cobra.OnInitialize(configureEnvironment)

	return command
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runServerCommand(*cobra.Command, []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	operatorStore, storeErr := store.Open(viper.GetString(flagStoreName))
	if storeErr != nil {
		return fmt.Errorf("%s: %w", errMessageStoreOpen, storeErr)
	}
	defer operatorStore.Close()

	clientFactory := directory.NewGatewayFactory(directory.GatewayConfig{
		BaseURL: viper.GetString(flagGatewayName),
	})

	photoDirectory := viper.GetString(flagPhotosName)
	phoneResolver := resolver.NewService(resolver.Config{
		PhotoDirectory: photoDirectory,
		DownloadPhotos: photoDirectory != "",
		Logger:         logger,
	})

	tracker := server.NewTaskTracker()

	validator, validatorErr := batch.NewService(batch.Config{
		Resolver:    phoneResolver,
		Credentials: operatorStore,
		Clients:     clientFactory,
		Results:     operatorStore,
		Progress:    tracker.BatchProgress,
		Logger:      logger,
	})
	if validatorErr != nil {
		return validatorErr
	}

	reconciler, reconcilerErr := membership.NewService(membership.Config{
		Credentials: operatorStore,
		Clients:     clientFactory,
		Blocked:     operatorStore,
		Progress:    tracker.ReconcileProgress,
		Logger:      logger,
	})
	if reconcilerErr != nil {
		return reconcilerErr
	}

	applicationContext, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := server.NewRunner(applicationContext, viper.GetInt(flagWorkersName))
	defer runner.Wait()

	router, routerErr := server.NewRouter(server.RouterConfig{
		Validator:  validator,
		Reconciler: reconciler,
		Store:      operatorStore,
		Tracker:    tracker,
		Runner:     runner,
		Logger:     logger,
	})
	if routerErr != nil {
		return routerErr
	}

	address := fmt.Sprintf("%s:%d", viper.GetString(flagHostName), viper.GetInt(flagPortName))
	logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))

	httpServer := &http.Server{Addr: address, Handler: router}
	go func() {
		<-applicationContext.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error(logMessageListenError, zap.Error(serveErr))
		return fmt.Errorf("%s: %w", errMessageListenAndServe, serveErr)
	}

	logger.Info(logMessageServerStopped)
	return nil
}
