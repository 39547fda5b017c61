package cloudsql

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// DefaultSocketDir is where Cloud Run mounts Cloud SQL instance sockets.
const DefaultSocketDir = "/cloudsql"

// ErrNotConfigured is returned when neither a direct URL nor a Cloud SQL
// instance is configured.
var ErrNotConfigured = errors.New("neither DATABASE_URL nor INSTANCE_CONNECTION_NAME is set")

// Settings describes how to reach the roster database: either a direct
// DATABASE_URL (local development) or a Cloud SQL instance reached through
// its unix socket.
type Settings struct {
	DatabaseURL            string
	InstanceConnectionName string
	User                   string
	Password               string
	Name                   string
	SocketDir              string
}

// FromEnv reads DATABASE_URL, INSTANCE_CONNECTION_NAME, DB_USER, DB_PASSWORD
// and DB_NAME.
func FromEnv() Settings {
	return Settings{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		InstanceConnectionName: os.Getenv("INSTANCE_CONNECTION_NAME"),
		User:                   os.Getenv("DB_USER"),
		Password:               os.Getenv("DB_PASSWORD"),
		Name:                   os.Getenv("DB_NAME"),
		SocketDir:              DefaultSocketDir,
	}
}

// DSN returns a lib/pq connection string. A direct URL wins over the Cloud
// SQL settings.
func (s Settings) DSN() (string, error) {
	if s.DatabaseURL != "" {
		return s.DatabaseURL, nil
	}

	if s.InstanceConnectionName == "" {
		return "", ErrNotConfigured
	}
	if s.User == "" || s.Name == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	parts := []string{
		"host=" + quote(s.socketPath()),
		"user=" + quote(s.User),
	}
	// IAM authentication connects without a password.
	if s.Password != "" {
		parts = append(parts, "password="+quote(s.Password))
	}
	parts = append(parts, "dbname="+quote(s.Name), "sslmode=disable")

	return strings.Join(parts, " "), nil
}

// Describe returns connection details safe to log.
func (s Settings) Describe() map[string]string {
	switch {
	case s.DatabaseURL != "":
		return map[string]string{
			"connection_type": "direct",
			"database_url":    Redact(s.DatabaseURL),
		}
	case s.InstanceConnectionName != "":
		return map[string]string{
			"connection_type": "cloud_sql",
			"instance":        s.InstanceConnectionName,
			"user":            s.User,
			"database":        s.Name,
			"socket_path":     s.socketPath(),
		}
	default:
		return map[string]string{"connection_type": "none"}
	}
}

func (s Settings) socketPath() string {
	dir := s.SocketDir
	if dir == "" {
		dir = DefaultSocketDir
	}
	return strings.TrimRight(dir, "/") + "/" + s.InstanceConnectionName
}

// Redact masks the password of a postgres:// URL. Other strings are returned
// unchanged.
func Redact(dsn string) string {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); !ok {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
