// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// external commands invoked by download and upload children
type commandsConfig struct {
	// the data service's command-line client
	Rucio string `json:"rucio" yaml:"rucio"`
	// VOMS proxy generator
	VomsProxyInit string `json:"voms_proxy_init" yaml:"voms_proxy_init"`
	// fallback proxy generator used when voms-proxy-init is absent
	GridProxyInit string `json:"grid_proxy_init" yaml:"grid_proxy_init"`
}

// a type with service configuration parameters
type serviceConfig struct {
	// port on which the service listens
	Port int `json:"port" yaml:"port"`
	// maximum number of allowed incoming connections
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
	// directory holding the cache database (and a generated credential key)
	DataDirectory string `json:"data_dir" yaml:"data_dir"`
	// root of the per-user download and upload trees
	DownloadRoot string `json:"download_root" yaml:"download_root"`
	// directory below which the file browser lists files
	FileBrowserRoot string `json:"file_browser_root" yaml:"file_browser_root"`
	// timeout for data-service requests (seconds)
	RequestTimeout int `json:"request_timeout" yaml:"request_timeout"`
	// fernet key used to encrypt stored credentials (base64)
	CredentialKey string `json:"credential_key" yaml:"credential_key"`
	// set to true to enable DEBUG log messages
	Debug bool `json:"debug" yaml:"debug"`
	// external commands
	Commands commandsConfig `json:"commands" yaml:"commands"`
}

// global config variables
var Service serviceConfig

// This struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above.
type configFile struct {
	Service   serviceConfig    `yaml:"service"`
	Instances []map[string]any `yaml:"instances"`
}

// returns the user's home directory, or the working directory if it can't be
// determined
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home, _ = os.Getwd()
	}
	return home
}

// This helper reads configuration data, returning an error indicating success
// or failure. All environment variables of the form ${ENV_VAR} are expanded.
func readConfig(bytes []byte) (configFile, error) {
	// Before we do anything else, expand any provided environment variables.
	// "$url" keys are protected from expansion.
	text := os.Expand(string(bytes), func(name string) string {
		if name == "url" {
			return "$url"
		}
		return os.Getenv(name)
	})

	var conf configFile
	conf.Service.Port = 8888
	conf.Service.MaxConnections = 100
	conf.Service.RequestTimeout = 30
	conf.Service.DataDirectory = filepath.Join(homeDir(), ".rucio_jupyterlab")
	conf.Service.DownloadRoot = filepath.Join(homeDir(), "rucio")
	conf.Service.FileBrowserRoot = homeDir()
	conf.Service.Commands = commandsConfig{
		Rucio:         "rucio",
		VomsProxyInit: "voms-proxy-init",
		GridProxyInit: "grid-proxy-init",
	}
	err := yaml.Unmarshal([]byte(text), &conf)
	if err != nil {
		slog.Error(fmt.Sprintf("Couldn't parse configuration data: %s", err))
		return conf, err
	}
	return conf, nil
}

// This helper validates the given service parameters, returning an
// error indicating success or failure.
func validateServiceParameters(params serviceConfig) error {
	if params.Port < 0 || params.Port > 65535 {
		return fmt.Errorf("Invalid port: %d (must be 0-65535)", params.Port)
	}
	if params.MaxConnections <= 0 {
		return fmt.Errorf("Invalid max_connections: %d (must be positive)",
			params.MaxConnections)
	}
	if params.RequestTimeout <= 0 {
		return fmt.Errorf("Invalid request_timeout: %d (must be positive)",
			params.RequestTimeout)
	}
	if params.DataDirectory == "" {
		return fmt.Errorf("No data_dir was specified!")
	}
	if params.DownloadRoot == "" {
		return fmt.Errorf("No download_root was specified!")
	}
	return nil
}

// Initializes the service configuration using the given YAML byte data. Any
// instance with a "$url" field is fetched and merged before validation.
func Init(yamlData []byte) error {
	conf, err := readConfig(yamlData)
	if err != nil {
		return err
	}
	if err = validateServiceParameters(conf.Service); err != nil {
		return err
	}
	if len(conf.Instances) == 0 {
		return fmt.Errorf("No instances were provided!")
	}

	instances, err := loadInstances(conf.Instances)
	if err != nil {
		return err
	}

	// copy the config data into place
	Service = conf.Service
	setInstances(instances)
	return nil
}
