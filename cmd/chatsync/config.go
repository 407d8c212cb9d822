package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Server ServerConfig `toml:"server"`
	User   UserConfig   `toml:"user"`
}

// ServerConfig names the backend endpoints.
type ServerConfig struct {
	WSURL  string `toml:"ws_url"`
	APIURL string `toml:"api_url"`
	Token  string `toml:"token"`
}

// UserConfig holds the local identity.
type UserConfig struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
}

// ============================================================================
// Config helpers
// ============================================================================

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile reads the TOML config as written, without environment
// overrides. A missing file yields an empty config.
func readConfigFile() (*Config, error) {
	cfg := &Config{}
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return cfg, nil
}

// loadConfig reads the TOML config and applies CHATSYNC_* environment
// overrides. A .env file in the working directory is honored for local
// development.
func loadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("CHATSYNC_WS_URL"); v != "" {
		cfg.Server.WSURL = v
	}
	if v := os.Getenv("CHATSYNC_API_URL"); v != "" {
		cfg.Server.APIURL = v
	}
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		cfg.User.ID = v
	}
	if v := os.Getenv("CHATSYNC_DISPLAY_NAME"); v != "" {
		cfg.User.DisplayName = v
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ============================================================================
// config command
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one configuration value",
	Long: `Set one configuration value. Keys:
  server.ws_url, server.api_url, server.token, user.id, user.display_name`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		switch args[0] {
		case "server.ws_url":
			cfg.Server.WSURL = args[1]
		case "server.api_url":
			cfg.Server.APIURL = args[1]
		case "server.token":
			cfg.Server.Token = args[1]
		case "user.id":
			cfg.User.ID = args[1]
		case "user.display_name":
			cfg.User.DisplayName = args[1]
		default:
			return fmt.Errorf("unknown key %q", args[0])
		}
		return saveConfig(cfg)
	},
}

var initCmd = &cobra.Command{
	Use:   "init <user-id> <display-name>",
	Short: "Create the configuration file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		cfg.User.ID = args[0]
		cfg.User.DisplayName = args[1]
		if ws, _ := cmd.Flags().GetString("ws-url"); ws != "" {
			cfg.Server.WSURL = ws
		}
		if api, _ := cmd.Flags().GetString("api-url"); api != "" {
			cfg.Server.APIURL = api
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().String("ws-url", "", "websocket endpoint (wss://...)")
	initCmd.Flags().String("api-url", "", "remote store endpoint (https://...)")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(initCmd)
}
