/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logconsistency

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderConfig models the enumerated configuration options for one
// named provider registration. It is the wire shape read from the YAML
// manifests an operator hands to AddLogConsistencyProvider; the registry
// itself only cares about the resolved Provider (policy + stores), not how
// it was configured.
type ProviderConfig struct {
	// InitStage is the lifecycle stage at which storage is initialised.
	InitStage int `yaml:"initStage"`
	// GrainStorageSerializer names the serializer used when persisting
	// snapshots (e.g. "json", "protobuf").
	GrainStorageSerializer string `yaml:"grainStorageSerializer"`
	// ClientSettings is the connection descriptor for the log backend.
	// Redacted wherever it is logged or printed.
	ClientSettings string `yaml:"clientSettings"`
	// Credentials is an optional write credential for the log backend.
	// Redacted wherever it is logged or printed.
	Credentials string `yaml:"credentials,omitempty"`
	// SnapshotPolicy names the registered policy provider to resolve
	// (resolution order: named > default > policy.None). Empty means
	// "use the default lookup".
	SnapshotPolicy string `yaml:"snapshotPolicy,omitempty"`
}

const redactedPlaceholder = "<redacted>"

// String renders the config with ClientSettings and Credentials replaced by
// a fixed placeholder: connection or credential material never reaches a
// log line or a CLI status table.
func (c ProviderConfig) String() string {
	redacted := c
	if redacted.ClientSettings != "" {
		redacted.ClientSettings = redactedPlaceholder
	}
	if redacted.Credentials != "" {
		redacted.Credentials = redactedPlaceholder
	}
	out, err := yaml.Marshal(redacted)
	if err != nil {
		return redactedPlaceholder
	}
	return string(out)
}

// MarshalLog implements the go-logr "Marshaler" convention: logr substitutes
// the return value wherever a ProviderConfig is passed as a structured
// key/value argument, so redaction applies uniformly whether the config is
// printed or logged.
func (c ProviderConfig) MarshalLog() interface{} {
	return struct {
		InitStage              int
		GrainStorageSerializer string
		ClientSettings         string
		Credentials            string
		SnapshotPolicy         string
	}{
		InitStage:              c.InitStage,
		GrainStorageSerializer: c.GrainStorageSerializer,
		ClientSettings:         redactIfSet(c.ClientSettings),
		Credentials:            redactIfSet(c.Credentials),
		SnapshotPolicy:         c.SnapshotPolicy,
	}
}

func redactIfSet(s string) string {
	if s == "" {
		return s
	}
	return redactedPlaceholder
}

// LoadProviderConfig reads and parses a YAML-encoded ProviderConfig from
// path.
func LoadProviderConfig(path string) (ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProviderConfig{}, err
	}
	var cfg ProviderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ProviderConfig{}, err
	}
	return cfg, nil
}
