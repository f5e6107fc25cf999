package cmd

import (
	"fmt"
	"os"
	"southwinds.dev/cardvault"
	"southwinds.dev/cardvault/persist"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var usersJSONOutput bool

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the card owners that have a vault",
	Long:  `List every user directory under the vault root with its size. No card is needed.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runUsers(), started)
	},
}

var userInfoCmd = &cobra.Command{
	Use:   "user-info <user-id>",
	Short: "Show where a user's vault is stored",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runUserInfo(args[0]), started)
	},
}

func init() {
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(userInfoCmd)

	usersCmd.Flags().BoolVar(&usersJSONOutput, "json", false, "output in JSON format")
	userInfoCmd.Flags().BoolVar(&usersJSONOutput, "json", false, "output in JSON format")
}

func collectUserInfo() ([]*persist.VaultInfo, error) {
	users, err := cardvault.ListKnownUsers(store)
	if err != nil {
		return nil, err
	}
	infos := make([]*persist.VaultInfo, 0, len(users))
	for _, id := range users {
		info, err := cardvault.GetUserInfo(store, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func runUsers() error {
	infos, err := collectUserInfo()
	if err != nil {
		return err
	}
	if usersJSONOutput {
		return printJSON(infos)
	}
	if len(infos) == 0 {
		fmt.Println("No users registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER ID\tLOCATION\tSIZE")
	fmt.Fprintln(w, "-------\t--------\t----")
	for _, info := range infos {
		size := "-"
		if info.Exists {
			size = formatSize(info.Size)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.UserID, info.Location, size)
	}
	return w.Flush()
}

func runUserInfo(arg string) error {
	id, err := cardvault.ParseUserID(arg)
	if err != nil {
		return err
	}
	info, err := cardvault.GetUserInfo(store, id)
	if err != nil {
		return err
	}
	if usersJSONOutput {
		return printJSON(info)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User ID:\t%s\n", info.UserID)
	fmt.Fprintf(w, "Location:\t%s\n", info.Location)
	fmt.Fprintf(w, "Vault File:\t%s\n", info.File)
	if info.Exists {
		fmt.Fprintf(w, "Size:\t%s\n", formatSize(info.Size))
		fmt.Fprintf(w, "Modified:\t%s\n", info.ModTime.Local().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintf(w, "Size:\tno vault file yet\n")
	}
	return w.Flush()
}
