package store

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"homefence/internal/trust"
)

// Pins persists pinned certificate sets keyed by server URL.
type Pins struct {
	UpdatedAt time.Time      `yaml:"updated_at"`
	Servers   []PinnedServer `yaml:"servers"`
}

// PinnedServer is one server's certificate set as concatenated PEM.
type PinnedServer struct {
	URL          string    `yaml:"url"`
	PinnedAt     time.Time `yaml:"pinned_at"`
	Certificates string    `yaml:"certificates"`
}

// LoadPins loads pins from disk. If the file is missing, returns an empty set.
func LoadPins(path string) (*Pins, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Pins{}, nil
		}
		return nil, err
	}

	var pins Pins
	if err := yaml.Unmarshal(data, &pins); err != nil {
		return nil, err
	}

	return &pins, nil
}

// SavePins writes pins to disk, readable by the owner only.
func SavePins(path string, pins *Pins) error {
	if pins == nil {
		return nil
	}
	pins.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(pins)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Lookup returns the certificates pinned for url. An undecodable entry is a trust error.
func (p *Pins) Lookup(url string) ([]*x509.Certificate, bool, error) {
	for _, s := range p.Servers {
		if s.URL != url {
			continue
		}
		certs, err := trust.DecodePEM([]byte(s.Certificates))
		if err != nil {
			return nil, true, err
		}
		return certs, true, nil
	}
	return nil, false, nil
}

// Put replaces the set pinned for url.
func (p *Pins) Put(url string, certs []*x509.Certificate) {
	entry := PinnedServer{
		URL:          url,
		PinnedAt:     time.Now().UTC(),
		Certificates: string(trust.EncodePEM(certs)),
	}
	for i, s := range p.Servers {
		if s.URL == url {
			p.Servers[i] = entry
			return
		}
	}
	p.Servers = append(p.Servers, entry)
}

// Remove forgets url. It reports whether an entry existed.
func (p *Pins) Remove(url string) bool {
	for i, s := range p.Servers {
		if s.URL == url {
			p.Servers = append(p.Servers[:i], p.Servers[i+1:]...)
			return true
		}
	}
	return false
}
