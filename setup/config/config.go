// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"
	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
const Version = 1

// SyncEngine contains all the config used by the sync engine.
type SyncEngine struct {
	// The version of the configuration file.
	// If the version in a file doesn't match the current version then the
	// config will be rejected.
	Version int `yaml:"version"`

	Global  Global  `yaml:"global"`
	SyncAPI SyncAPI `yaml:"sync_api"`

	// The config for tracing the server.
	Tracing struct {
		// Set to true to enable tracer hooks. If false, no tracing is set up.
		Enabled bool `yaml:"enabled"`
		// The config for the jaeger opentracing reporter.
		Jaeger jaegerconfig.Configuration `yaml:"jaeger"`
	} `yaml:"tracing"`

	// The config for logging informations. Each hook will be added to logrus.
	Logging []LogrusHook `yaml:"logging"`
}

// DefaultOpts controls how Defaults fills in database settings.
type DefaultOpts struct {
	DatabaseConnectionStr DataSource
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a database connection.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	// commented line may not always be true?
	// return strings.HasPrefix(string(d), "postgres:")
	return !d.IsSQLite()
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Load a yaml config file for a server run as multiple processes or as a monolith.
// Checks the config to ensure that it is valid.
func Load(configPath string) (*SyncEngine, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(".")
	if err != nil {
		return nil, err
	}
	// Pass the current working directory and os.ReadFile so that they can
	// be mocked in the tests
	return loadConfig(basePath, configData)
}

func loadConfig(basePath string, configData []byte) (*SyncEngine, error) {
	var c SyncEngine
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}
	c.Wiring()
	if err := c.check(); err != nil {
		return nil, err
	}
	c.Global.JetStream.StoragePath = absPath(basePath, c.Global.JetStream.StoragePath)
	return &c, nil
}

func absPath(dir string, path Path) Path {
	if filepath.IsAbs(string(path)) {
		return path
	}
	return Path(filepath.Join(dir, string(path)))
}

// Defaults fills in every setting that has a sensible default.
func (c *SyncEngine) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.Wiring()
}

// Verify checks the whole config, collecting every problem.
func (c *SyncEngine) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, c := range []verifiable{
		&c.Global, &c.SyncAPI,
	} {
		c.Verify(configErrs)
	}
	for _, hook := range c.Logging {
		hook.Verify(configErrs)
	}
}

// Wiring points each section at the global config.
func (c *SyncEngine) Wiring() {
	c.Global.JetStream.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
}

func (c *SyncEngine) check() error { // monolithic
	var configErrs ConfigErrors
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %q, expected %q - this means that the format of the configuration "+
				"file has changed in some significant way, so please revisit the sample config "+
				"and ensure you are not missing any important options that may have been added "+
				"or changed recently!",
			c.Version, Version,
		))
		return configErrs
	}
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

// Verify checks the hook type and level.
func (h *LogrusHook) Verify(configErrs *ConfigErrors) {
	switch h.Type {
	case "file", "std":
	default:
		configErrs.Add(fmt.Sprintf("invalid logging hook type %q", h.Type))
	}
	if _, err := logrus.ParseLevel(h.Level); err != nil {
		configErrs.Add(fmt.Sprintf("invalid logging level %q", h.Level))
	}
	if h.Type == "file" {
		path, _ := h.Params["path"].(string)
		checkNotEmpty(configErrs, "logging.params.path", path)
	}
}

// Add appends an error to the list of errors in this configErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized configErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// configErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies that the value is not negative.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// SetupTracing configures the opentracing using the supplied configuration.
func (c *SyncEngine) SetupTracing() (closer io.Closer, err error) {
	if !c.Tracing.Enabled {
		return io.NopCloser(bytes.NewReader([]byte{})), nil
	}
	return c.Tracing.Jaeger.InitGlobalTracer(
		"SyncEngine",
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
}

// logrusLogger is a small wrapper that implements jaeger.Logger using logrus.
type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) {
	l.l.Error(msg)
}

func (l logrusLogger) Infof(msg string, args ...interface{}) {
	l.l.Infof(msg, args...)
}
