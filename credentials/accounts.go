package credentials

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/m4xw311/arbor/errors"
)

// Credential names used by the built-in tool servers.
const (
	GitHubTokenKey     = "github.token"
	GitHubScopesKey    = "github.scopes"
	GitHubCreatedAtKey = "github.created_at"
	BraveAPIKey        = "brave.api_key"
	SSHHostKey         = "ssh.host"
	SSHPortKey         = "ssh.port"
	SSHUserKey         = "ssh.username"
	SSHAuthKey         = "ssh.auth_type"
	SSHPasswordKey     = "ssh.password"
	SSHKeyPathKey      = "ssh.key_path"
)

type GitHubCredentials struct {
	Token     string
	Scopes    []string
	CreatedAt time.Time
}

// SaveGitHubToken stores a personal access token with its scopes.
func SaveGitHubToken(ctx context.Context, s Store, token string, scopes []string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.E(errors.Validation, "github token must not be empty")
	}
	if err := s.Set(ctx, GitHubTokenKey, token); err != nil {
		return err
	}
	if err := s.Set(ctx, GitHubScopesKey, strings.Join(scopes, ",")); err != nil {
		return err
	}
	return s.Set(ctx, GitHubCreatedAtKey, time.Now().UTC().Format(time.RFC3339))
}

// GitHubToken loads the stored token. It returns ErrNotFound if none is set.
func GitHubToken(ctx context.Context, s Store) (*GitHubCredentials, error) {
	token, err := s.Get(ctx, GitHubTokenKey)
	if err != nil {
		return nil, err
	}
	creds := &GitHubCredentials{Token: token}
	scopes, err := optional(ctx, s, GitHubScopesKey)
	if err != nil {
		return nil, err
	}
	if scopes != "" {
		creds.Scopes = strings.Split(scopes, ",")
	}
	created, err := optional(ctx, s, GitHubCreatedAtKey)
	if err != nil {
		return nil, err
	}
	if created != "" {
		creds.CreatedAt, _ = time.Parse(time.RFC3339, created)
	}
	return creds, nil
}

// optional reads a secondary field. A missing field is the empty string.
func optional(ctx context.Context, s Store, name string) (string, error) {
	v, err := s.Get(ctx, name)
	if err == ErrNotFound {
		return "", nil
	}
	return v, err
}

// DeleteGitHubToken removes the token and its metadata.
func DeleteGitHubToken(ctx context.Context, s Store) error {
	for _, k := range []string{GitHubTokenKey, GitHubScopesKey, GitHubCreatedAtKey} {
		if err := s.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

type SSHAuthType string

const (
	SSHAuthPassword SSHAuthType = "password"
	SSHAuthKey      SSHAuthType = "key"
)

type SSHCredentials struct {
	Host     string
	Port     int
	Username string
	AuthType SSHAuthType
	Password string
	KeyPath  string
}

// Validate checks the fields required by the chosen auth type.
func (c *SSHCredentials) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.E(errors.Validation, "ssh host is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return errors.E(errors.Validation, "ssh username is required")
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.E(errors.Validation, "ssh port %d out of range", c.Port)
	}
	switch c.AuthType {
	case SSHAuthPassword:
		if c.Password == "" {
			return errors.E(errors.Validation, "ssh password is required")
		}
	case SSHAuthKey:
		if c.KeyPath == "" {
			return errors.E(errors.Validation, "ssh key path is required")
		}
	default:
		return errors.E(errors.Validation, "unknown ssh auth type %q", c.AuthType)
	}
	return nil
}

// SaveSSH stores SSH connection credentials. Fields the auth type does not
// use are removed.
func SaveSSH(ctx context.Context, s Store, c SSHCredentials) error {
	if err := c.Validate(); err != nil {
		return err
	}
	values := map[string]string{
		SSHHostKey: c.Host,
		SSHPortKey: strconv.Itoa(c.Port),
		SSHUserKey: c.Username,
		SSHAuthKey: string(c.AuthType),
	}
	for k, v := range values {
		if err := s.Set(ctx, k, v); err != nil {
			return err
		}
	}
	if c.AuthType == SSHAuthPassword {
		if err := s.Set(ctx, SSHPasswordKey, c.Password); err != nil {
			return err
		}
		return s.Delete(ctx, SSHKeyPathKey)
	}
	if err := s.Set(ctx, SSHKeyPathKey, c.KeyPath); err != nil {
		return err
	}
	return s.Delete(ctx, SSHPasswordKey)
}

// LoadSSH loads stored SSH credentials.
func LoadSSH(ctx context.Context, s Store) (*SSHCredentials, error) {
	host, err := s.Get(ctx, SSHHostKey)
	if err != nil {
		return nil, err
	}
	c := &SSHCredentials{Host: host, Port: 22}
	port, err := optional(ctx, s, SSHPortKey)
	if err != nil {
		return nil, err
	}
	if p, err := strconv.Atoi(port); err == nil {
		c.Port = p
	}
	var auth string
	for _, f := range []struct {
		key string
		dst *string
	}{
		{SSHUserKey, &c.Username},
		{SSHAuthKey, &auth},
		{SSHPasswordKey, &c.Password},
		{SSHKeyPathKey, &c.KeyPath},
	} {
		if *f.dst, err = optional(ctx, s, f.key); err != nil {
			return nil, err
		}
	}
	c.AuthType = SSHAuthType(auth)
	return c, nil
}
