package cmd

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"southwinds.dev/cardvault"
	"southwinds.dev/cardvault/audit"
	"southwinds.dev/cardvault/identity"
	"southwinds.dev/cardvault/internal/logging"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	pinEnvVar             = envPrefix + "_PIN"
	defaultPasswordLength = 15
	passwordAlphabet      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789" +
		"!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
)

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if auditLogger == nil || cliContext == nil {
		return now
	}
	err := auditLogger.Log("COMMAND_START", true, map[string]interface{}{
		audit.KeyCommand:   cmd.CommandPath(),
		audit.KeySessionID: cliContext.SessionID,
		audit.KeySource:    cliContext.Source,
		"os_user":          cliContext.OSUser,
		"args":             len(args),
		"flags":            sanitizeFlags(cmd),
	})
	if err != nil {
		logging.Errorf("failed to write audit event: %v", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil && cliContext != nil {
		logErr := auditLogger.Log("COMMAND_COMPLETE", err == nil, map[string]interface{}{
			audit.KeyCommand:   cmd.CommandPath(),
			audit.KeyDuration:  time.Since(startedTime),
			audit.KeyError:     formatError(err),
			audit.KeySessionID: cliContext.SessionID,
			audit.KeySource:    cliContext.Source,
			"os_user":          cliContext.OSUser,
		})
		if logErr != nil {
			logging.Errorf("failed to write audit event: %v", logErr)
		}
	}
	return err
}

// formatError flattens an error chain into "msg (caused by: a -> b)"
func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	if len(messages) > 1 {
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)
		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}
		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("%s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	return messages[0]
}

// describeError turns vault failures into the message shown to the user
func describeError(err error) string {
	switch {
	case errors.Is(err, identity.ErrTokenNotPresent):
		return "no smartcard found, insert your card and try again"
	case errors.Is(err, identity.ErrPINLocked):
		return "the card PIN is locked"
	case errors.Is(err, identity.ErrPINIncorrect):
		return "incorrect PIN"
	case errors.Is(err, identity.ErrLibraryUnavailable):
		return fmt.Sprintf("PKCS#11 module not available (%s), check identity.pkcs11.library", viper.GetString("identity.pkcs11.library"))
	case errors.Is(err, cardvault.ErrHardwareTimeout):
		return "the smartcard did not answer in time"
	case errors.Is(err, cardvault.ErrUnsupportedVersion):
		return "the vault was written by a newer version of cardvault"
	case errors.Is(err, cardvault.ErrAuthenticationFailure):
		return "authentication failed: " + err.Error()
	case errors.Is(err, cardvault.ErrCorruptVault):
		return "the vault file is damaged: " + err.Error()
	case errors.Is(err, cardvault.ErrConcurrentModification):
		return "the vault was changed by another process, run the command again"
	case errors.Is(err, cardvault.ErrDuplicateEntry):
		return "an entry with this service and username already exists, use update or --allow-duplicates"
	case errors.Is(err, cardvault.ErrNotConfigured):
		return "vault root not configured: " + err.Error()
	default:
		return err.Error()
	}
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

// readPIN takes the PIN from CARDVAULT_PIN or asks for it on the terminal
func readPIN() (string, error) {
	if pin, ok := os.LookupEnv(pinEnvVar); ok {
		return pin, nil
	}
	pin, err := readSecret("Card PIN: ")
	if err != nil {
		return "", fmt.Errorf("failed to read PIN: %w", err)
	}
	return pin, nil
}

// readSecret prompts on stderr and reads a line without echo. Piped input
// is read as a plain line.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := stdinReader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var stdinReader = bufio.NewReader(os.Stdin)

// readNewPassword asks twice and fails when the answers differ
func readNewPassword() (string, error) {
	first, err := readSecret("Password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if first == "" {
		return "", errors.New("password cannot be empty")
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return first, nil
	}
	second, err := readSecret("Repeat password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

// generatePassword draws length characters uniformly from letters, digits
// and ASCII punctuation
func generatePassword(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("password length must be positive, got %d", length)
	}
	limit := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func maskPassword(password string, show bool) string {
	if show {
		return password
	}
	return "********"
}

func printEntries(entries []cardvault.Entry, show bool) error {
	if len(entries) == 0 {
		fmt.Println("No entries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tUSERNAME\tPASSWORD")
	fmt.Fprintln(w, "-------\t--------\t--------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Service, e.Username, maskPassword(e.Password, show))
	}
	return w.Flush()
}

func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cardvault.yaml"
	}
	return filepath.Join(home, ".cardvault.yaml")
}

func getConfigTemplate() map[string]interface{} {
	return map[string]interface{}{
		"vault": map[string]interface{}{
			"root":             defaultVaultRoot(),
			"store_type":       "file",
			"match":            cardvault.MatchAll.String(),
			"allow_duplicates": false,
			"s3": map[string]interface{}{
				"endpoint":          "",
				"bucket":            "",
				"region":            "us-east-1",
				"prefix":            "cardvault/",
				"access_key_id":     "",
				"secret_access_key": "",
				"use_ssl":           true,
			},
		},
		"identity": map[string]interface{}{
			"type":    "pkcs11",
			"timeout": cardvault.DefaultHardwareTimeout.String(),
			"pkcs11": map[string]interface{}{
				"library": identity.DefaultLibraryPath(),
				"label":   "",
			},
			"file": map[string]interface{}{
				"path": "",
			},
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path": "",
			},
		},
		"log": map[string]interface{}{
			"level": "warn",
		},
	}
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"password", "secret", "token", "auth", "pin"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return strings.HasSuffix(lowerKey, "access_key_id")
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" && viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		envKey := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)
	return printJSON(config)
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
