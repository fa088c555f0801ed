// Package ssh connects the deployment engine to target hosts. It wraps
// golang.org/x/crypto/ssh for command execution and github.com/pkg/sftp
// for file upload, with host key checking against a known_hosts file.
package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	// AuthMethodPassword authenticates with a password.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey authenticates with a private key.
	AuthMethodKey AuthMethod = "key"
)

// Config holds the connection settings for one target host.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port; 22 when zero.
	Port int

	// User is the SSH username.
	User string

	AuthMethod AuthMethod

	// Password for password authentication.
	Password string

	// PrivateKey is an inline PEM private key. Takes precedence over
	// PrivateKeyPath.
	PrivateKey []byte

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// PrivateKeyPassphrase decrypts an encrypted private key.
	PrivateKeyPassphrase string

	// KnownHostsPath is the known_hosts file used for host key checking.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from known_hosts. When
	// false any host key is accepted.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// CommandTimeout is the default bound for one command when the
	// caller's context has no deadline.
	CommandTimeout time.Duration

	// KeepAliveInterval sends keep-alive requests on the open
	// connection; zero disables them.
	KeepAliveInterval time.Duration
}

// DefaultConfig returns a key-auth config with host key checking enabled.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
		CommandTimeout:        5 * time.Minute,
	}
}

// FromProperties builds a Config from a deployment server property map:
// host (required), port, user, password, private_key. Host key checking
// is disabled because deployment targets are typically fresh hosts the
// controller has never seen.
func FromProperties(server map[string]interface{}) (*Config, error) {
	host, _ := server["host"].(string)
	if host == "" {
		return nil, fmt.Errorf("server host is required")
	}

	user, _ := server["user"].(string)
	if user == "" {
		user = "root"
	}

	cfg := DefaultConfig(host, user)
	cfg.StrictHostKeyChecking = false
	cfg.KnownHostsPath = ""

	if port, ok := server["port"].(float64); ok && port > 0 {
		cfg.Port = int(port)
	} else if port, ok := server["port"].(int); ok && port > 0 {
		cfg.Port = port
	}

	if key, _ := server["private_key"].(string); key != "" {
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKey = []byte(key)
	} else if password, _ := server["password"].(string); password != "" {
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = password
	} else {
		return nil, fmt.Errorf("server needs a private_key or password")
	}

	return cfg, nil
}

// Validate checks the configuration before dialing.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if len(c.PrivateKey) == 0 && c.PrivateKeyPath == "" {
			return fmt.Errorf("private key is required for key authentication")
		}
		if len(c.PrivateKey) == 0 {
			if _, err := os.Stat(c.PrivateKeyPath); err != nil {
				return fmt.Errorf("private key file: %w", err)
			}
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return fmt.Errorf("known_hosts path is required for strict host key checking")
	}
	return nil
}

// Address returns the dial address.
func (c *Config) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// clientConfig builds the crypto/ssh client configuration.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		auth = append(auth, ssh.Password(c.Password))
		// Many servers only offer keyboard-interactive for passwords.
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes := c.PrivateKey
		if len(keyBytes) == 0 {
			data, err := os.ReadFile(c.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("read private key: %w", err)
			}
			keyBytes = data
		}

		var signer ssh.Signer
		var err error
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
