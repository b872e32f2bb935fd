package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t-sync/tsync/internal/batch"
	"github.com/t-sync/tsync/internal/directory"
	"github.com/t-sync/tsync/internal/resolver"
	"github.com/t-sync/tsync/internal/roster"
	"github.com/t-sync/tsync/internal/store"
)

const (
	commandUse              = "validate"
	commandShortDescription = "Resolve a CSV of phone numbers against the identity service"
	envPrefix               = "TSYNC_VALIDATE"

	flagOperatorName        = "operator"
	flagOperatorDescription = "Operator identifier owning the batch"
	flagInputName           = "input"
	flagInputDescription    = "Path to the CSV file of phone numbers (first column, header skipped)"
	flagOutputName          = "output"
	flagOutputDescription   = "Optional path for the exported results JSON"
	flagStoreName           = "store"
	flagStoreDescription    = "Path to the operator store database"
	flagGatewayName         = "gateway-url"
	flagGatewayDescription  = "Base URL of the identity gateway"
	flagPhotosName          = "photo-dir"
	flagPhotosDescription   = "Directory for downloaded profile photos (empty disables downloads)"
	flagDelayName           = "delay"
	flagDelayDescription    = "Base delay between resolution calls"
	flagJitterName          = "jitter"
	flagJitterDescription   = "Uniform jitter applied to each delay"
	flagJSONName            = "json"
	flagJSONDescription     = "Print the results document to stdout as JSON"

	defaultStorePath  = "data/tsync.db"
	defaultGatewayURL = "http://127.0.0.1:8081"
	defaultBaseDelay  = 1 * time.Second

	errMessageLoggerCreate    = "create logger"
	errMessageMissingOperator = "operator identifier is required"
	errMessageMissingInput    = "input CSV path is required"
	errMessageStoreOpen       = "open operator store"
	errMessageReadPhoneList   = "read phone list"
	errMessageRunBatch        = "run validation batch"
	errMessageExportResults   = "export results"

	summaryFormat = "processed %d phone numbers: %d resolved, %d failed\n"
)

func main() {
	cobra.CheckErr(newValidateCommand().Execute())
}

func newValidateCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runValidateCommand,
	}

	command.Flags().String(flagOperatorName, "", flagOperatorDescription)
	command.Flags().String(flagInputName, "", flagInputDescription)
	command.Flags().String(flagOutputName, "", flagOutputDescription)
	command.Flags().String(flagStoreName, defaultStorePath, flagStoreDescription)
	command.Flags().String(flagGatewayName, defaultGatewayURL, flagGatewayDescription)
	command.Flags().String(flagPhotosName, "", flagPhotosDescription)
	command.Flags().Duration(flagDelayName, defaultBaseDelay, flagDelayDescription)
	command.Flags().Duration(flagJitterName, 0, flagJitterDescription)
	command.Flags().Bool(flagJSONName, false, flagJSONDescription)

	for _, flagName := range []string{
		flagOperatorName, flagInputName, flagOutputName, flagStoreName,
		flagGatewayName, flagPhotosName, flagDelayName, flagJitterName, flagJSONName,
	} {
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

func runValidateCommand(*cobra.Command, []string) error {
	operatorID := viper.GetString(flagOperatorName)
	if strings.TrimSpace(operatorID) == "" {
		return errors.New(errMessageMissingOperator)
	}
	inputPath := viper.GetString(flagInputName)
	if strings.TrimSpace(inputPath) == "" {
		return errors.New(errMessageMissingInput)
	}

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

	phoneNumbers, readErr := roster.ReadPhoneFile(inputPath)
	if readErr != nil {
		return fmt.Errorf("%s: %w", errMessageReadPhoneList, readErr)
	}

	photoDirectory := viper.GetString(flagPhotosName)
	phoneResolver := resolver.NewService(resolver.Config{
		PhotoDirectory: photoDirectory,
		DownloadPhotos: photoDirectory != "",
		Logger:         logger,
	})

	validator, validatorErr := batch.NewService(batch.Config{
		Resolver:    phoneResolver,
		Credentials: operatorStore,
		Clients:     directory.NewGatewayFactory(directory.GatewayConfig{BaseURL: viper.GetString(flagGatewayName)}),
		Results:     operatorStore,
		Pacing: batch.PacingConfig{
			BaseDelay: viper.GetDuration(flagDelayName),
			Jitter:    viper.GetDuration(flagJitterName),
		},
		Logger: logger,
	})
	if validatorErr != nil {
		return validatorErr
	}

	applicationContext, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	results, runErr := validator.ValidateBatch(applicationContext, operatorID, phoneNumbers)
	if runErr != nil {
		return fmt.Errorf("%s: %w", errMessageRunBatch, runErr)
	}

	resolvedCount := results.ResolvedCount()
	fmt.Printf(summaryFormat, results.Len(), resolvedCount, results.Len()-resolvedCount)

	if viper.GetBool(flagJSONName) || viper.GetString(flagOutputName) != "" {
		resultsDocument, marshalErr := json.Marshal(results)
		if marshalErr != nil {
			return fmt.Errorf("%s: %w", errMessageExportResults, marshalErr)
		}
		if viper.GetBool(flagJSONName) {
			formatted, formatErr := roster.FormatResultsDocument(resultsDocument)
			if formatErr != nil {
				return fmt.Errorf("%s: %w", errMessageExportResults, formatErr)
			}
			fmt.Fprintln(os.Stdout, string(formatted))
		}
		if outputPath := viper.GetString(flagOutputName); outputPath != "" {
			if writeErr := roster.WriteResultsFile(outputPath, resultsDocument); writeErr != nil {
				return fmt.Errorf("%s: %w", errMessageExportResults, writeErr)
			}
		}
	}
	return nil
}
