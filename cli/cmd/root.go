package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"southwinds.dev/cardvault"
	"southwinds.dev/cardvault/audit"
	"southwinds.dev/cardvault/identity"
	"southwinds.dev/cardvault/internal/logging"
	"southwinds.dev/cardvault/internal/mem"
	"southwinds.dev/cardvault/persist"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "CARDVAULT"

var (
	cfgFile         string
	store           persist.Store
	auditLogger     audit.Logger
	cliContext      *CLIContext
	protectionLevel mem.ProtectionLevel
)

type CLIContext struct {
	OSUser    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cardvault",
	Short: "A password vault unlocked by your smartcard",
	Long: `A per-user password vault whose encryption key is derived from the certificate
on your smartcard. Each card owner gets an isolated vault, encrypted with
XChaCha20-Poly1305 and replaced atomically on every change.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  initializeRuntime,
	PersistentPostRunE: shutdownRuntime,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_ = closeRuntime()
		fmt.Fprintf(os.Stderr, "Error: %s\n", describeError(err))
		memguard.SafeExit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cardvault.yaml)")
	rootCmd.PersistentFlags().StringP("vault-root", "r", "", "directory holding one vault directory per card owner")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, s3)")
	rootCmd.PersistentFlags().String("match", "", "entries touched by update and delete (all, first)")
	rootCmd.PersistentFlags().Bool("allow-duplicates", false, "allow several entries with the same service and username")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	bindFlagOrPanic("vault.root", "vault-root")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("vault.match", "match")
	bindFlagOrPanic("vault.allow_duplicates", "allow-duplicates")
	bindFlagOrPanic("log.level", "log-level")

	// Identity flags
	rootCmd.PersistentFlags().String("identity", "", "identity source (pkcs11, file)")
	rootCmd.PersistentFlags().String("pkcs11-lib", "", "PKCS#11 module path")
	rootCmd.PersistentFlags().String("pkcs11-label", "", "label of the certificate object on the token")
	rootCmd.PersistentFlags().String("cert-file", "", "certificate file used by the file identity source")
	rootCmd.PersistentFlags().Duration("timeout", 0, "timeout for each smartcard operation")

	bindFlagOrPanic("identity.type", "identity")
	bindFlagOrPanic("identity.pkcs11.library", "pkcs11-lib")
	bindFlagOrPanic("identity.pkcs11.label", "pkcs11-label")
	bindFlagOrPanic("identity.file.path", "cert-file")
	bindFlagOrPanic("identity.timeout", "timeout")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint (host:port)")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/cardvault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".cardvault")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else {
		logging.Debugf("using config file %s", viper.ConfigFileUsed())
	}

	logging.SetLevel(viper.GetString("log.level"))
}

// defaultVaultRoot is $HOME/.cardvault/vaults, or ./.cardvault/vaults when
// there is no home directory
func defaultVaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cardvault", "vaults")
	}
	return filepath.Join(home, ".cardvault", "vaults")
}

func setDefaults() {
	viper.SetDefault("vault.root", defaultVaultRoot())
	viper.SetDefault("vault.store_type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("vault.match", cardvault.MatchAll.String())
	viper.SetDefault("vault.allow_duplicates", false)

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.prefix", "cardvault/")
	viper.SetDefault("vault.s3.use_ssl", true)

	viper.SetDefault("identity.type", "pkcs11")
	viper.SetDefault("identity.pkcs11.library", identity.DefaultLibraryPath())
	viper.SetDefault("identity.timeout", cardvault.DefaultHardwareTimeout)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "")

	viper.SetDefault("log.level", "warn")
}

// needsRuntime reports whether a command works on vaults. Help, completion
// and config commands run without a store.
func needsRuntime(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "__completeNoDesc", "config":
			return false
		}
	}
	return true
}

func initializeRuntime(cmd *cobra.Command, args []string) error {
	if !needsRuntime(cmd) {
		return nil
	}

	cliContext = &CLIContext{
		OSUser:    getCurrentUser(),
		SessionID: uuid.NewString(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	level, err := mem.Lock()
	if err != nil {
		logging.Warnf("memory locking unavailable: %v", err)
	}
	protectionLevel = level

	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err = createStore(viper.GetString("vault.store_type"))
	if err != nil {
		return fmt.Errorf("failed to open vault store: %w", err)
	}

	logging.Debugf("%s", getStoreConfigSummary(store.GetType()))
	return nil
}

func shutdownRuntime(cmd *cobra.Command, args []string) error {
	return closeRuntime()
}

func closeRuntime() error {
	var errs []error
	if store != nil {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
		store = nil
	}
	if auditLogger != nil {
		if err := auditLogger.Close(); err != nil {
			errs = append(errs, err)
		}
		auditLogger = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to shut down cleanly: %v", errs)
	}
	return nil
}

// auditFilePath defaults the audit log to audit.log next to the vault root
func auditFilePath() string {
	if path := viper.GetString("audit.options.file_path"); path != "" {
		return path
	}
	return filepath.Join(filepath.Dir(filepath.Clean(viper.GetString("vault.root"))), "audit.log")
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": auditFilePath(),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "", string(persist.StoreTypeFileSystem):
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"root": viper.GetString("vault.root")},
		})

	case string(persist.StoreTypeS3):
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
			Bucket:          viper.GetString("vault.s3.bucket"),
			KeyPrefix:       viper.GetString("vault.s3.prefix"),
			UseSSL:          viper.GetBool("vault.s3.use_ssl"),
			Region:          viper.GetString("vault.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewStore(persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          s3Config.Endpoint,
				"access_key_id":     s3Config.AccessKeyID,
				"secret_access_key": s3Config.SecretAccessKey,
				"bucket":            s3Config.Bucket,
				"prefix":            s3Config.KeyPrefix,
				"use_ssl":           s3Config.UseSSL,
				"region":            s3Config.Region,
			},
		})

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, s3", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "vault.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "vault.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "vault.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "vault.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// getStoreConfigSummary returns a one-line description of the configured store
func getStoreConfigSummary(storeType string) string {
	switch strings.ToLower(storeType) {
	case string(persist.StoreTypeFileSystem):
		return fmt.Sprintf("File store: root=%s", viper.GetString("vault.root"))
	case string(persist.StoreTypeS3):
		return fmt.Sprintf("S3 store: endpoint=%s, bucket=%s, prefix=%s",
			viper.GetString("vault.s3.endpoint"),
			viper.GetString("vault.s3.bucket"),
			viper.GetString("vault.s3.prefix"))
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

func createOpener() (identity.Opener, error) {
	switch strings.ToLower(viper.GetString("identity.type")) {
	case "", "pkcs11":
		return &identity.PKCS11Opener{
			LibPath: viper.GetString("identity.pkcs11.library"),
			Label:   viper.GetString("identity.pkcs11.label"),
		}, nil
	case "file":
		path := viper.GetString("identity.file.path")
		if path == "" {
			return nil, fmt.Errorf("identity.file.path is required for the file identity source")
		}
		return &identity.FileOpener{Path: path, PIN: viper.GetString("identity.file.pin")}, nil
	default:
		return nil, fmt.Errorf("unsupported identity source: %s. Supported sources: pkcs11, file", viper.GetString("identity.type"))
	}
}

func sessionOptions() (cardvault.Options, error) {
	match, err := cardvault.ParseMatchMode(viper.GetString("vault.match"))
	if err != nil {
		return cardvault.Options{}, err
	}

	opts := cardvault.DefaultOptions()
	opts.HardwareTimeout = viper.GetDuration("identity.timeout")
	opts.Match = match
	if viper.GetBool("vault.allow_duplicates") {
		opts.Duplicates = cardvault.AllowDuplicates
	}
	opts.Audit = auditLogger
	return opts, nil
}

// withVault asks for the PIN, opens a session on the card owner's vault
// and closes it after fn returns
func withVault(ctx context.Context, fn func(*cardvault.Session) error) error {
	if store == nil {
		return fmt.Errorf("vault store not initialized")
	}
	opener, err := createOpener()
	if err != nil {
		return err
	}
	opts, err := sessionOptions()
	if err != nil {
		return err
	}
	pin, err := readPIN()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return cardvault.WithSession(ctx, opener, pin, store, opts, fn)
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"password", "pin", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		logging.Warnf("could not get hostname: %v", err)
		return "unknown_host"
	}
	return hostname
}
