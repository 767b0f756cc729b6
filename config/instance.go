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
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Mode selects how an instance makes DIDs available locally.
type Mode string

const (
	// the data service places replicas on a shared, mounted RSE
	ModeReplica Mode = "replica"
	// a supervised child pulls bytes into a per-user download tree
	ModeDownload Mode = "download"
)

// remote configurations are refetched after this long unless they carry
// their own cache_expires_at
const DefaultRemoteTTL = 24 * time.Hour

// InstanceConfig holds the runtime configuration of a single named data-service
// instance.
type InstanceConfig struct {
	// short instance identifier (used as the cache namespace)
	Name string `yaml:"name" json:"name" validate:"required"`
	// human-readable name
	DisplayName string `yaml:"display_name" json:"display_name" validate:"required"`
	// data-service API base URL
	RucioBaseURL string `yaml:"rucio_base_url" json:"rucio_base_url" validate:"required,url"`
	// authentication server base URL (defaults to RucioBaseURL)
	RucioAuthURL string `yaml:"rucio_auth_url,omitempty" json:"rucio_auth_url,omitempty" validate:"omitempty,url"`
	// CA bundle used to verify the data service
	RucioCACert string `yaml:"rucio_ca_cert,omitempty" json:"rucio_ca_cert,omitempty"`
	// the RSE whose replicas become local paths
	DestinationRSE string `yaml:"destination_rse,omitempty" json:"destination_rse,omitempty" validate:"required_if=Mode replica"`
	// local mount point of the destination RSE
	RSEMountPath string `yaml:"rse_mount_path,omitempty" json:"rse_mount_path,omitempty" validate:"required_if=Mode replica"`
	// number of leading PFN path segments dropped before joining onto RSEMountPath
	PathBeginsAt int `yaml:"path_begins_at,omitempty" json:"path_begins_at,omitempty" validate:"min=0"`
	// availability mode (replica or download)
	Mode Mode `yaml:"mode,omitempty" json:"mode,omitempty" validate:"oneof=replica download"`
	// lifetime of requested replication rules (days, 0 means no expiry)
	ReplicationRuleLifetimeDays int `yaml:"replication_rule_lifetime_days,omitempty" json:"replication_rule_lifetime_days,omitempty" validate:"min=0"`
	// OIDC token source (env or file), empty if OIDC is not used
	OIDCAuth string `yaml:"oidc_auth,omitempty" json:"oidc_auth,omitempty" validate:"omitempty,oneof=env file"`
	// environment variable holding the OIDC token
	OIDCEnvName string `yaml:"oidc_env_name,omitempty" json:"oidc_env_name,omitempty" validate:"required_if=OIDCAuth env"`
	// file holding the OIDC token
	OIDCFileName string `yaml:"oidc_file_name,omitempty" json:"oidc_file_name,omitempty" validate:"required_if=OIDCAuth file"`
	// virtual organization
	VO string `yaml:"vo,omitempty" json:"vo,omitempty"`
	// whether X.509 proxies carry VOMS extensions
	VOMSEnabled bool `yaml:"voms_enabled,omitempty" json:"voms_enabled,omitempty"`
	// exported as SITE_NAME to download children
	SiteName string `yaml:"site_name,omitempty" json:"site_name,omitempty"`
	// web UI base URL (for replication rule links)
	RucioWebUIURL string `yaml:"rucio_webui_url,omitempty" json:"rucio_webui_url,omitempty" validate:"omitempty,url"`
	// remote configuration URL, if any
	RemoteURL string `yaml:"$url,omitempty" json:"$url,omitempty" validate:"omitempty,url"`
	// Unix time at which a remote configuration must be refetched
	CacheExpiresAt int64 `yaml:"cache_expires_at,omitempty" json:"cache_expires_at,omitempty"`
}

// returns the URL of the authentication server
func (c InstanceConfig) AuthURL() string {
	if c.RucioAuthURL != "" {
		return c.RucioAuthURL
	}
	return c.RucioBaseURL
}

// returns true if tokens are obtained through OIDC for this instance
func (c InstanceConfig) OIDCEnabled() bool {
	return c.OIDCAuth != ""
}

//-----------
// Internals
//-----------

var validate = validator.New()

// clock used for remote configuration expiry
var now = time.Now

// an instance spec along with what's needed to refresh it
type instanceEntry struct {
	Local     map[string]any // fields from the local configuration file
	Spec      InstanceConfig
	ExpiresAt time.Time // zero for instances without "$url"
}

var instances struct {
	sync.Mutex
	Entries []*instanceEntry
}

func setInstances(entries []*instanceEntry) {
	instances.Lock()
	defer instances.Unlock()
	instances.Entries = entries
}

// returns the current entries; entries are replaced, never modified
func currentEntries() []*instanceEntry {
	instances.Lock()
	defer instances.Unlock()
	return append([]*instanceEntry(nil), instances.Entries...)
}

// returns all configured instances in file order, refetching any expired
// remote configurations
func Instances() []InstanceConfig {
	entries := currentEntries()
	specs := make([]InstanceConfig, len(entries))
	for i, entry := range entries {
		specs[i] = refreshIfExpired(entry).Spec
	}
	return specs
}

// returns the configuration for the instance with the given name
func Instance(name string) (InstanceConfig, error) {
	for _, entry := range currentEntries() {
		if entry.Spec.Name == name {
			return refreshIfExpired(entry).Spec, nil
		}
	}
	return InstanceConfig{}, &InstanceNotFoundError{Name: name}
}

// refetches an expired remote configuration without holding the instance
// lock, then swaps the new entry in; failures are logged and the stale
// entry is kept
func refreshIfExpired(entry *instanceEntry) *instanceEntry {
	if entry.ExpiresAt.IsZero() || now().Before(entry.ExpiresAt) {
		return entry
	}
	refreshed, err := resolveInstance(entry.Local)
	if err != nil {
		slog.Warn(fmt.Sprintf("Refreshing remote configuration for instance '%s': %s",
			entry.Spec.Name, err.Error()))
		return entry
	}
	instances.Lock()
	defer instances.Unlock()
	for i, current := range instances.Entries {
		if current == entry {
			instances.Entries[i] = refreshed
		}
	}
	return refreshed
}

// resolves and validates every raw instance spec
func loadInstances(raw []map[string]any) ([]*instanceEntry, error) {
	entries := make([]*instanceEntry, 0, len(raw))
	names := make(map[string]bool)
	for _, r := range raw {
		entry, err := resolveInstance(r)
		if err != nil {
			return nil, err
		}
		if names[entry.Spec.Name] {
			return nil, &InvalidInstanceError{
				Name:    entry.Spec.Name,
				Message: "duplicate instance name",
			}
		}
		names[entry.Spec.Name] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

// builds a validated instance entry from a raw spec, fetching and merging its
// remote configuration if it has one
func resolveInstance(local map[string]any) (*instanceEntry, error) {
	merged := make(map[string]any)
	remoteURL, isRemote := local["$url"].(string)
	if isRemote {
		remote, err := fetchRemoteConfig(remoteURL)
		if err != nil {
			return nil, err
		}
		for k, v := range remote {
			merged[k] = v
		}
	}
	for k, v := range local { // local fields win
		merged[k] = v
	}

	spec, err := decodeInstance(merged)
	if err != nil {
		return nil, err
	}

	entry := &instanceEntry{
		Local: local,
		Spec:  spec,
	}
	if isRemote {
		if spec.CacheExpiresAt > 0 {
			entry.ExpiresAt = time.Unix(spec.CacheExpiresAt, 0)
		} else {
			entry.ExpiresAt = now().Add(DefaultRemoteTTL)
		}
	}
	return entry, nil
}

// converts a map of instance fields into a validated InstanceConfig
func decodeInstance(fields map[string]any) (InstanceConfig, error) {
	var spec InstanceConfig
	name, _ := fields["name"].(string)
	data, err := yaml.Marshal(fields)
	if err == nil {
		err = yaml.Unmarshal(data, &spec)
	}
	if err != nil {
		return spec, &InvalidInstanceError{Name: name, Message: err.Error()}
	}
	if spec.Mode == "" {
		spec.Mode = ModeReplica
	}
	if err := validate.Struct(spec); err != nil {
		return spec, &InvalidInstanceError{Name: name, Message: describeValidationError(err)}
	}
	return spec, nil
}

// condenses validator errors into a single readable message
func describeValidationError(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	messages := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		messages[i] = fmt.Sprintf("%s fails '%s'", fe.Field(), fe.Tag())
	}
	return strings.Join(messages, "; ")
}
