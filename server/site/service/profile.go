package service

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"folio/server/site/domain"
)

//go:embed default_profile.yaml
var defaultProfile []byte

var ErrProfileInvalid = errors.New("profile is invalid")

// LoadProfile reads the page content from path, or the built-in profile when
// path is empty.
func LoadProfile(path string) (domain.Profile, error) {
	raw := defaultProfile
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return domain.Profile{}, fmt.Errorf("read profile: %w", err)
		}
		raw = b
	}
	return ParseProfile(raw)
}

func ParseProfile(raw []byte) (domain.Profile, error) {
	var p domain.Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return domain.Profile{}, fmt.Errorf("%w: %v", ErrProfileInvalid, err)
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return domain.Profile{}, fmt.Errorf("%w: name is required", ErrProfileInvalid)
	}
	if strings.TrimSpace(p.Title) == "" {
		p.Title = p.Name
	}
	return p, nil
}
