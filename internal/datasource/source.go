// Package datasource locates the viewer configuration and connects to the
// payment node it names.
package datasource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/daviddao/paymenthistory_viewer/internal/config"
	"github.com/daviddao/paymenthistory_viewer/internal/nodeapi"
	"github.com/daviddao/paymenthistory_viewer/internal/source"
)

var logger = logrus.StandardLogger().WithField("module", "datasource")

const (
	configEnv     = "PHV_CONFIG"
	defaultConfig = ".phv/config.yaml"
)

// Discover finds the config file path. "" with a nil error means no file was
// found and the built-in defaults apply.
// Priority: PHV_CONFIG env var > .phv/config.yaml in CWD > walk up parents.
func Discover() (string, error) {
	if env := os.Getenv(configEnv); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("%s=%q: %w", configEnv, env, os.ErrNotExist)
		}
		return env, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, defaultConfig)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// LoadConfig reads the config at path, discovering it when path is empty.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		found, err := Discover()
		if err != nil {
			return nil, err
		}
		path = found
	}
	return config.Load(path)
}

// Node is an open connection to a payment node.
type Node struct {
	Client  *nodeapi.Client
	Adapter *source.Adapter
	Address common.Address
}

// Open builds the node client and checks that the node answers.
func Open(ctx context.Context, cfg *config.Config) (*Node, error) {
	client := nodeapi.NewClient(cfg.Node.URL, nodeapi.Options{
		Timeout:           cfg.Node.Timeout,
		RequestsPerSecond: cfg.Node.RequestsPerSecond,
		Headers:           cfg.Node.Headers,
	})
	addr, err := client.Address(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Node.URL, err)
	}
	logger.WithFields(logrus.Fields{"node": client.Endpoint(), "address": addr.Hex()}).Info("connected")
	return &Node{
		Client:  client,
		Adapter: source.NewAdapter(client, cfg.History.CacheSizeMB),
		Address: addr,
	}, nil
}
