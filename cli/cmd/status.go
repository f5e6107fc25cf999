package cmd

import (
	"context"
	"fmt"
	"southwinds.dev/cardvault"
	"southwinds.dev/cardvault/identity"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show card and vault status",
	Long:  "Check whether a smartcard is present and report the vault store, registered users and memory protection level.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, showStatus(cmd.Context()), started)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Println("Vault Status")
	fmt.Println("============")

	fmt.Printf("Memory Protection: %s\n", protectionLevel)
	fmt.Printf("Identity Source: %s\n", viper.GetString("identity.type"))

	opener, err := createOpener()
	if err != nil {
		fmt.Printf("Card: ERROR - %v\n", err)
	} else if checker, ok := opener.(identity.PresenceChecker); ok {
		present, err := cardvault.CheckPresence(ctx, checker, viper.GetDuration("identity.timeout"))
		switch {
		case err != nil:
			fmt.Printf("Card: ERROR - %s\n", describeError(err))
		case present:
			fmt.Println("Card: present")
		default:
			fmt.Println("Card: not present")
		}
	}

	fmt.Printf("Store: %s\n", getStoreConfigSummary(store.GetType()))
	if err = store.Ping(); err != nil {
		fmt.Printf("Store Health: ERROR - %v\n", err)
	} else {
		fmt.Println("Store Health: ok")
	}

	users, err := cardvault.ListKnownUsers(store)
	if err != nil {
		fmt.Printf("Registered Users: ERROR - %v\n", err)
	} else {
		fmt.Printf("Registered Users: %d\n", len(users))
	}

	return nil
}
