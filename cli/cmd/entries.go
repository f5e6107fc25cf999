package cmd

import (
	"errors"
	"fmt"
	"southwinds.dev/cardvault"

	"github.com/spf13/cobra"
)

var (
	entryPassword     string
	entryGenerate     bool
	entryLength       int
	entryJSONOutput   bool
	entryShowPassword bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the vault for the card in the reader",
	Long: `Authenticate with the smartcard and create an empty vault for its owner.
Running init on an existing vault only checks that it can be decrypted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runInit(cmd), started)
	},
}

var addCmd = &cobra.Command{
	Use:   "add <service> <username>",
	Short: "Add a credential",
	Long: `Add a credential to the vault. The password is read from the terminal
unless --password or --generate is given.

Examples:
  cardvault add github alice
  cardvault add github alice --generate --length 24`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runAdd(cmd, args), started)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all credentials",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runList(cmd), started)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <query>",
	Short: "Search credentials by service",
	Long: `Show the credentials whose service contains the query, ignoring case.

Examples:
  cardvault get git --show-passwords`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runGet(cmd, args), started)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <service> <username>",
	Short: "Change the password of a credential",
	Long: `Change the password of the credentials matching service and username.
With vault.match=all every match is changed, with vault.match=first only
the first one.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runUpdate(cmd, args), started)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <service> <username>",
	Aliases: []string{"rm"},
	Short:   "Delete a credential",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, runDelete(cmd, args), started)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)

	for _, c := range []*cobra.Command{addCmd, updateCmd} {
		c.Flags().StringVarP(&entryPassword, "password", "p", "", "password to store (prompted when omitted)")
		c.Flags().BoolVarP(&entryGenerate, "generate", "g", false, "generate a random password")
		c.Flags().IntVar(&entryLength, "length", defaultPasswordLength, "length of a generated password")
		c.MarkFlagsMutuallyExclusive("password", "generate")
	}

	for _, c := range []*cobra.Command{listCmd, getCmd} {
		c.Flags().BoolVar(&entryJSONOutput, "json", false, "output in JSON format")
		c.Flags().BoolVarP(&entryShowPassword, "show-passwords", "s", false, "print passwords in clear text")
	}
}

func runInit(cmd *cobra.Command) error {
	return withVault(cmd.Context(), func(s *cardvault.Session) error {
		created, err := s.Initialize()
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("Vault created for user %s at %s\n", s.UserID(), s.Location())
		} else {
			fmt.Printf("Vault for user %s already exists at %s\n", s.UserID(), s.Location())
		}
		return nil
	})
}

// entryPasswordValue returns the password from --password, --generate or a prompt
func entryPasswordValue() (string, bool, error) {
	switch {
	case entryPassword != "":
		return entryPassword, false, nil
	case entryGenerate:
		password, err := generatePassword(entryLength)
		return password, true, err
	default:
		password, err := readNewPassword()
		return password, false, err
	}
}

func runAdd(cmd *cobra.Command, args []string) error {
	password, generated, err := entryPasswordValue()
	if err != nil {
		return err
	}

	entry := cardvault.Entry{Service: args[0], Username: args[1], Password: password}
	return withVault(cmd.Context(), func(s *cardvault.Session) error {
		if err := s.Add(entry); err != nil {
			return err
		}
		fmt.Printf("Added %s\n", entry)
		if generated {
			fmt.Printf("Generated password: %s\n", password)
		}
		return nil
	})
}

func runList(cmd *cobra.Command) error {
	return withVault(cmd.Context(), func(s *cardvault.Session) error {
		entries, err := s.List()
		if err != nil {
			return err
		}
		return outputEntries(entries)
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withVault(cmd.Context(), func(s *cardvault.Session) error {
		entries, err := s.Find(args[0])
		if err != nil {
			return err
		}
		return outputEntries(entries)
	})
}

func outputEntries(entries []cardvault.Entry) error {
	if entryJSONOutput {
		if !entryShowPassword {
			masked := make([]cardvault.Entry, len(entries))
			for i, e := range entries {
				e.Password = maskPassword(e.Password, false)
				masked[i] = e
			}
			entries = masked
		}
		return printJSON(entries)
	}
	return printEntries(entries, entryShowPassword)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	password, generated, err := entryPasswordValue()
	if err != nil {
		return err
	}

	return withVault(cmd.Context(), func(s *cardvault.Session) error {
		found, err := s.Update(args[0], args[1], password)
		if err != nil {
			return err
		}
		if !found {
			return errors.New("no matching entry: " + args[0] + "/" + args[1])
		}
		fmt.Printf("Updated %s/%s\n", args[0], args[1])
		if generated {
			fmt.Printf("Generated password: %s\n", password)
		}
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withVault(cmd.Context(), func(s *cardvault.Session) error {
		removed, err := s.Delete(args[0], args[1])
		if err != nil {
			return err
		}
		if removed == 0 {
			return errors.New("no matching entry: " + args[0] + "/" + args[1])
		}
		fmt.Printf("Deleted %d entr%s\n", removed, pluralY(removed))
		return nil
	})
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
