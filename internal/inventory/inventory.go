// Package inventory reads the YAML list of VPN servers an operator deploys.
package inventory

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout:
//
//	servers:
//	  - address: 203.0.113.10
//	    region: NL
//	    api_url: https://203.0.113.10:8443/secret
//	    cert_sha256: 6F1B...
type File struct {
	Servers []Entry `yaml:"servers"`
}

type Entry struct {
	Address    string `yaml:"address"`
	Region     string `yaml:"region"`
	APIURL     string `yaml:"api_url"`
	CertSHA256 string `yaml:"cert_sha256"`
	Disabled   bool   `yaml:"disabled"`
}

func Read(r io.Reader) ([]domain.Server, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	servers := make([]domain.Server, 0, len(f.Servers))
	var errs []error
	for i, e := range f.Servers {
		if err := e.validate(); err != nil {
			errs = append(errs, fmt.Errorf("server #%d: %w", i+1, err))
			continue
		}
		servers = append(servers, domain.Server{
			Address:    strings.TrimSpace(e.Address),
			RegionCode: strings.ToUpper(strings.TrimSpace(e.Region)),
			APIURL:     strings.TrimSpace(e.APIURL),
			CertSHA256: strings.TrimSpace(e.CertSHA256),
			Active:     !e.Disabled,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return servers, nil
}

func ReadFile(path string) ([]domain.Server, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.Address) == "" {
		return errors.New("address is required")
	}
	if strings.TrimSpace(e.Region) == "" {
		return errors.New("region is required")
	}
	u, err := url.Parse(strings.TrimSpace(e.APIURL))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("api_url must be an https URL")
	}
	return nil
}
