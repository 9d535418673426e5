package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/commission-vm/model"
)

// MappingFile is a read-only credential source keyed by site id. It serves every user, which
// is how single-agent installs keep their logins outside the database. JSON files parse too.
//
//	credentials:
//	  harel:
//	    username: agent
//	    password: secret
type MappingFile struct {
	Path        string
	credentials map[string]model.Credential
}

type mappingDocument struct {
	Credentials map[string]model.Credential `yaml:"credentials"`
}

func LoadMappingFile(path string) (*MappingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials mapping: %w", err)
	}
	var doc mappingDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials mapping %s: %w", path, err)
	}
	if doc.Credentials == nil {
		doc.Credentials = map[string]model.Credential{}
	}
	return &MappingFile{Path: path, credentials: doc.Credentials}, nil
}

func (m *MappingFile) Credential(_ context.Context, userID, siteID string) (model.Credential, error) {
	c, ok := m.credentials[siteID]
	if !ok {
		return model.Credential{}, notFound("credential", siteID+" in "+m.Path)
	}
	c.UserID, c.SiteID = userID, siteID
	return c, nil
}

// Sites lists the site ids that have an entry.
func (m *MappingFile) Sites() []string {
	out := make([]string, 0, len(m.credentials))
	for id := range m.credentials {
		out = append(out, id)
	}
	return out
}

// Static serves a single credential supplied inline with an ad-hoc run.
type Static struct {
	Cred model.Credential
}

func (s Static) Credential(_ context.Context, userID, siteID string) (model.Credential, error) {
	c := s.Cred
	c.UserID, c.SiteID = userID, siteID
	return c, nil
}
