package session

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// resolveSSHConfig fills unset ConnectConfig fields from the user's OpenSSH
// client configuration, looked up under the alias the caller connected with.
// Explicitly set fields always win. Only identity files that exist are
// added, so the library's defaults don't fail collection.
func resolveSSHConfig(alias string, cfg ConnectConfig) (string, ConnectConfig) {
	host := alias
	if hn := ssh_config.Get(alias, "HostName"); hn != "" {
		host = hn
	}

	if cfg.Username == "" {
		cfg.Username = ssh_config.Get(alias, "User")
	}

	if cfg.Port == 0 {
		if p, err := strconv.Atoi(ssh_config.Get(alias, "Port")); err == nil {
			cfg.Port = p
		}
	}

	for _, ident := range ssh_config.GetAll(alias, "IdentityFile") {
		path := expandHome(ident)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg.KeyFiles = append(cfg.KeyFiles, path)
	}

	return host, cfg
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
