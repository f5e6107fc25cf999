package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"southwinds.dev/cardvault"
	"southwinds.dev/cardvault/persist"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage cardvault configuration",
	Long:  `View, create and validate the cardvault configuration.`,
}

// configShowCmd shows current configuration
var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"view"},
	Short:   "Show current configuration",
	Long:    `Display the effective configuration from all sources (config file, environment variables, flags).`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow()
	},
}

// configInitCmd initializes a new configuration file
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file with default values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigInit()
	},
}

// configValidateCmd validates the configuration
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigValidate()
	},
}

var (
	configForce  bool
	configFormat string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, json, yaml)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
}

func runConfigShow() error {
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(os.Stderr, "Config file: %s\n\n", used)
	}

	switch strings.ToLower(configFormat) {
	case "json":
		return printConfigJSON()
	case "yaml", "yml":
		return printConfigYAML()
	case "table", "":
		return printConfigTable()
	default:
		return fmt.Errorf("unsupported format: %s (use table, json or yaml)", configFormat)
	}
}

func runConfigInit() error {
	configFile := getConfigFilePath()

	if fileExists(configFile) && !configForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configFile)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), persist.DirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(getConfigTemplate())
	if err != nil {
		return fmt.Errorf("failed to marshal config template: %w", err)
	}

	if err = os.WriteFile(configFile, data, persist.FilePermissions); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", configFile)
	return nil
}

func runConfigValidate() error {
	problems := validateConfiguration()
	if len(problems) == 0 {
		fmt.Println("Configuration is valid.")
		return nil
	}

	fmt.Println("Configuration problems:")
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("%d configuration problem(s) found", len(problems))
}

func validateConfiguration() []string {
	var problems []string

	switch storeType := viper.GetString("vault.store_type"); storeType {
	case string(persist.StoreTypeFileSystem):
		if viper.GetString("vault.root") == "" {
			problems = append(problems, "vault.root is required for the file store")
		}
	case string(persist.StoreTypeS3):
		if err := validateS3Config(persist.S3Config{
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			Bucket:          viper.GetString("vault.s3.bucket"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
		}); err != nil {
			problems = append(problems, err.Error())
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be one of: file, s3)", storeType))
	}

	if _, err := cardvault.ParseMatchMode(viper.GetString("vault.match")); err != nil {
		problems = append(problems, err.Error())
	}

	switch identityType := viper.GetString("identity.type"); identityType {
	case "pkcs11":
		if lib := viper.GetString("identity.pkcs11.library"); !fileExists(lib) {
			problems = append(problems, fmt.Sprintf("PKCS#11 module not found: %s", lib))
		}
	case "file":
		if path := viper.GetString("identity.file.path"); path == "" || !fileExists(path) {
			problems = append(problems, fmt.Sprintf("certificate file not found: %q", path))
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid identity type: %s (must be one of: pkcs11, file)", identityType))
	}

	if viper.GetDuration("identity.timeout") <= 0 {
		problems = append(problems, "identity.timeout must be positive")
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		if auditType != "file" && auditType != "syslog" {
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be one of: file, syslog)", auditType))
		}
	}

	return problems
}
