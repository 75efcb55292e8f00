package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"vigil/internal/apiclient"
	"vigil/internal/config"
)

const tokenEnv = "VIGIL_TOKEN"

type rootFlags struct {
	config string
	api    string
	token  string
	json   bool
}

type commandContext struct {
	flags *rootFlags

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(flags *rootFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, _, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.flags != nil && c.flags.json
}

func (c *commandContext) token() string {
	if token := strings.TrimSpace(c.flags.token); token != "" {
		return token
	}
	return strings.TrimSpace(os.Getenv(tokenEnv))
}

// apiAddress resolves the daemon address, rewriting wildcard binds to loopback.
func (c *commandContext) apiAddress() (string, error) {
	if addr := strings.TrimSpace(c.flags.api); addr != "" {
		return addr, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	return dialableAddress(cfg.Paths.APIBind), nil
}

func dialableAddress(bind string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(bind))
	if err != nil {
		return bind
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (c *commandContext) client() (*apiclient.Client, error) {
	addr, err := c.apiAddress()
	if err != nil {
		return nil, err
	}
	return apiclient.New(addr, c.token())
}

func (c *commandContext) withClient(cmd *cobra.Command, fn func(context.Context, *apiclient.Client) error) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	if err := fn(cmd.Context(), client); err != nil {
		return wrapClientError(err)
	}
	return nil
}

func wrapClientError(err error) error {
	if apiclient.IsUnavailable(err) {
		return fmt.Errorf("connect to daemon: %w; start it with `vigil start`", err)
	}
	if apiclient.StatusCode(err) == 401 {
		return fmt.Errorf("%w; pass --token or set %s", err, tokenEnv)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
