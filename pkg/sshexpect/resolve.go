package sshexpect

import (
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kevinburke/ssh_config"
)

// resolvedEndpoint holds the connection parameters after ~/.ssh/config has
// had its say. Explicit Endpoint fields always win; the config only fills
// gaps, which lets operators alias station gateways in their SSH config.
type resolvedEndpoint struct {
	hostname string
	port     string
	user     string
}

func (r resolvedEndpoint) address() string {
	return net.JoinHostPort(r.hostname, r.port)
}

func resolveEndpoint(e Endpoint) resolvedEndpoint {
	resolved := resolvedEndpoint{
		hostname: e.Host,
		port:     strconv.Itoa(DefaultSSHPort),
		user:     e.User,
	}
	if e.Port != 0 {
		resolved.port = strconv.Itoa(e.Port)
	}

	cfg, err := loadSSHConfig()
	if err != nil {
		return resolved
	}

	if hostname, _ := cfg.Get(e.Host, "HostName"); hostname != "" {
		resolved.hostname = hostname
	}
	if e.Port == 0 {
		if port, _ := cfg.Get(e.Host, "Port"); port != "" {
			resolved.port = port
		}
	}
	if resolved.user == "" {
		if user, _ := cfg.Get(e.Host, "User"); user != "" {
			resolved.user = user
		}
	}

	return resolved
}

func loadSSHConfig() (*ssh_config.Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ssh_config.Decode(f)
}
