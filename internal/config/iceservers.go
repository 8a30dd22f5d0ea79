package config

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

//go:embed iceservers.yaml
var defaultICE embed.FS

// ICEServer is one STUN/TURN entry handed to clients verbatim. The session
// layer never talks to these servers itself.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

type iceCatalog struct {
	ICEServers []ICEServer `yaml:"iceServers"`
}

// LoadICEServers reads the embedded default catalog, replaced wholesale by
// overridePath when set (TURN credentials don't belong in the binary).
func LoadICEServers(overridePath string) ([]ICEServer, error) {
	raw, err := fs.ReadFile(defaultICE, "iceservers.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded ice catalog: %w", err)
	}
	if strings.TrimSpace(overridePath) != "" {
		raw, err = os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read ice catalog %s: %w", overridePath, err)
		}
	}
	var cat iceCatalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse ice catalog: %w", err)
	}
	if len(cat.ICEServers) == 0 {
		return nil, fmt.Errorf("ice catalog has no servers")
	}
	return cat.ICEServers, nil
}
