package main

import (
	"context"
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
	"github.com/t-sync/tsync/internal/membership"
	"github.com/t-sync/tsync/internal/store"
)

const (
	commandUse              = "invite"
	commandShortDescription = "Invite the latest batch's resolved identities into a group"
	envPrefix               = "TSYNC_INVITE"

	flagOperatorName        = "operator"
	flagOperatorDescription = "Operator identifier owning the stored results"
	flagGroupName           = "group"
	flagGroupDescription    = "Target group handle, beginning with @"
	flagStoreName           = "store"
	flagStoreDescription    = "Path to the operator store database"
	flagGatewayName         = "gateway-url"
	flagGatewayDescription  = "Base URL of the identity gateway"
	flagDelayName           = "delay"
	flagDelayDescription    = "Base delay between invitation calls"

	defaultStorePath  = "data/tsync.db"
	defaultGatewayURL = "http://127.0.0.1:8081"
	defaultBaseDelay  = 1 * time.Second

	groupHandlePrefix = "@"

	errMessageLoggerCreate       = "create logger"
	errMessageMissingOperator    = "operator identifier is required"
	errMessageInvalidGroupHandle = "group handle must begin with @"
	errMessageStoreOpen          = "open operator store"
	errMessageLoadResults        = "load stored results"
	errMessageDecodeResults      = "decode stored results"
	errMessageRunReconciliation  = "run membership reconciliation"

	progressFormat       = "added %d of %d eligible identities\n"
	summaryHeaderFormat  = "group %s: %d added, %d already members, %d blocked, %d privacy-restricted, %d failed\n"
	succeededListFormat  = "added: %s\n"
	failedListFormat     = "not added: %s\n"
	identifierListJoiner = ", "
)

func main() {
	cobra.CheckErr(newInviteCommand().Execute())
}

func newInviteCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runInviteCommand,
	}

	command.Flags().String(flagOperatorName, "", flagOperatorDescription)
	command.Flags().String(flagGroupName, "", flagGroupDescription)
	command.Flags().String(flagStoreName, defaultStorePath, flagStoreDescription)
	command.Flags().String(flagGatewayName, defaultGatewayURL, flagGatewayDescription)
	command.Flags().Duration(flagDelayName, defaultBaseDelay, flagDelayDescription)

	for _, flagName := range []string{flagOperatorName, flagGroupName, flagStoreName, flagGatewayName, flagDelayName} {
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

func runInviteCommand(*cobra.Command, []string) error {
	operatorID := viper.GetString(flagOperatorName)
	if strings.TrimSpace(operatorID) == "" {
		return errors.New(errMessageMissingOperator)
	}
	groupHandle := strings.TrimSpace(viper.GetString(flagGroupName))
	if !strings.HasPrefix(groupHandle, groupHandlePrefix) {
		return errors.New(errMessageInvalidGroupHandle)
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

	resultsDocument, resultsErr := operatorStore.Results(operatorID)
	if resultsErr != nil {
		return fmt.Errorf("%s: %w", errMessageLoadResults, resultsErr)
	}
	results := batch.NewResultsMap()
	if decodeErr := results.UnmarshalJSON(resultsDocument); decodeErr != nil {
		return fmt.Errorf("%s: %w", errMessageDecodeResults, decodeErr)
	}

	reconciler, reconcilerErr := membership.NewService(membership.Config{
		Credentials: operatorStore,
		Clients:     directory.NewGatewayFactory(directory.GatewayConfig{BaseURL: viper.GetString(flagGatewayName)}),
		Blocked:     operatorStore,
		Pacing:      batch.PacingConfig{BaseDelay: viper.GetDuration(flagDelayName)},
		Progress: func(snapshot membership.ProgressSnapshot) {
			fmt.Printf(progressFormat, snapshot.Current, snapshot.Total)
		},
		Logger: logger,
	})
	if reconcilerErr != nil {
		return reconcilerErr
	}

	applicationContext, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	summary, runErr := reconciler.AddResolvedToGroup(applicationContext, operatorID, groupHandle, results)
	if runErr != nil {
		return fmt.Errorf("%s: %w", errMessageRunReconciliation, runErr)
	}

	fmt.Printf(summaryHeaderFormat,
		summary.GroupHandle,
		summary.Added,
		summary.AlreadyMember,
		summary.Blocked,
		summary.PrivacyRestricted,
		summary.Failed,
	)
	if len(summary.Succeeded) > 0 {
		fmt.Fprintf(os.Stdout, succeededListFormat, strings.Join(summary.Succeeded, identifierListJoiner))
	}
	if len(summary.FailedIdentifiers) > 0 {
		fmt.Fprintf(os.Stdout, failedListFormat, strings.Join(summary.FailedIdentifiers, identifierListJoiner))
	}
	return nil
}
