// Package client resolves how the CLI reaches a compute host.
package client

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cliconfig "github.com/antonkrylov/xbatch/internal/cli/config"
)

const (
	DefaultPort         = 22
	DefaultPollInterval = 5 * time.Second
)

type Connection struct {
	Host             string
	Port             int
	User             string
	IdentityFile     string
	RemoteBasePath   string
	DefaultPartition string
	BenignMarker     string
	PollInterval     time.Duration
	SSHArgs          []string

	ConfigPath  string
	ContextName string
	Config      *cliconfig.Config
	Context     *cliconfig.Context
}

// Target is the ssh destination, user@host when a user is set.
func (c *Connection) Target() string {
	if c.User == "" {
		return c.Host
	}
	return c.User + "@" + c.Host
}

// ResolveConnection fills the zero fields of flags in order:
// 1) flags (whatever the caller already set)
// 2) config file context
// 3) environment (XBATCH_SSH_HOST, XBATCH_SSH_USER, XBATCH_SSH_PORT,
// XBATCH_SSH_KEYFILE, XBATCH_REMOTE_BASE_PATH)
// 4) defaults (port 22, 5s poll)
// A missing host or base path is not an error here; the caller decides what
// its transport needs.
func ResolveConnection(configPath, contextName string, flags Connection) (*Connection, error) {
	conn := flags
	conn.ConfigPath = configPath
	conn.ContextName = contextName

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}
	if conn.Config != nil {
		ctx, name, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
		conn.ContextName = name
	}
	if ctx := conn.Context; ctx != nil {
		setString(&conn.Host, ctx.Host)
		setString(&conn.User, ctx.User)
		setString(&conn.IdentityFile, ctx.IdentityFile)
		setString(&conn.RemoteBasePath, ctx.RemoteBasePath)
		setString(&conn.DefaultPartition, ctx.DefaultPartition)
		setString(&conn.BenignMarker, ctx.BenignMarker)
		if conn.Port == 0 {
			conn.Port = ctx.Port
		}
		if conn.PollInterval == 0 {
			conn.PollInterval = ctx.PollInterval
		}
		if len(conn.SSHArgs) == 0 {
			conn.SSHArgs = append([]string(nil), ctx.SSHArgs...)
		}
	}

	setString(&conn.Host, os.Getenv("XBATCH_SSH_HOST"))
	setString(&conn.User, os.Getenv("XBATCH_SSH_USER"))
	setString(&conn.IdentityFile, os.Getenv("XBATCH_SSH_KEYFILE"))
	setString(&conn.RemoteBasePath, os.Getenv("XBATCH_REMOTE_BASE_PATH"))
	if v := strings.TrimSpace(os.Getenv("XBATCH_SSH_PORT")); conn.Port == 0 && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid XBATCH_SSH_PORT %q", v)
		}
		conn.Port = port
	}

	if conn.Port == 0 {
		conn.Port = DefaultPort
	}
	if conn.PollInterval == 0 {
		conn.PollInterval = DefaultPollInterval
	}
	if conn.IdentityFile != "" {
		expanded, err := cliconfig.ExpandPath(conn.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("identity file: %w", err)
		}
		conn.IdentityFile = expanded
	}
	return &conn, nil
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = strings.TrimSpace(v)
	}
}
